package contract

import "context"

// Dialect: 一种被检测语言的最小描述。
// OpenTag 为空表示该语言无需开标签；ClassOpen/ClassClose 构成 WrappedInClass 变体的外壳。
type Dialect struct {
	Language   string
	OpenTag    string
	ClassOpen  string
	ClassClose string
	// Triggers: 快速路径字符集合；文本不含其中任一字符时直接判定无匹配。
	Triggers string
}

// Checker: 外部语法检查器抽象。
// 约束：
// 1) 每次 Check 至多对应一个外部进程；
// 2) ctx 取消时必须终止并回收该进程后再返回；
// 3) 返回 (true,nil) 表示语法合法，(false,nil) 表示语法非法，err 表示检查器自身故障。
type Checker interface {
	Dialect() Dialect
	Check(ctx context.Context, source string) (bool, error)
}

// Detector: 在一段聊天文本中寻找未加围栏的合法片段。
// 所有故障折叠为“无匹配”，从不返回错误。
type Detector interface {
	Detect(ctx context.Context, text string) (Detection, bool)
}

// PHP: php -l 检查器对应的方言预设。
var PHP = Dialect{
	Language:   "php",
	OpenTag:    "<?php",
	ClassOpen:  "class Foo {",
	ClassClose: "}",
	Triggers:   ";${",
}
