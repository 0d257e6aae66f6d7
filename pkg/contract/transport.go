package contract

import "context"

// Transport: 聊天后端抽象（Discord 网关、控制台等）。
// 约束：
// 1) Listen 阻塞直至 ctx 取消或后端不可恢复；ctx 取消时返回 nil；
// 2) handle 在 Listen 的调用 goroutine 上同步调用，由调用方自行决定是否并发；
// 3) Reply 以入站消息为引用目标发送回复，可被多个 goroutine 并发调用。
type Transport interface {
	Listen(ctx context.Context, handle func(ctx context.Context, m Message) error) error
	Reply(ctx context.Context, to Message, content string) error
}
