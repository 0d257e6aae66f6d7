package contract

import "errors"

// 最小错误分类（用于上层策略判定与日志分类）。
var (
	// ErrInvalidInput: 调用方输入不满足约束（配置、窗口越界、空凭据等）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrBudgetExceeded: 预算或配额不足（如回复长度、本地限流）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrRateLimited: 上游返回限流。
	ErrRateLimited = errors.New("rate limited")
	// ErrResponseInvalid: 上游载荷无法解析或不符合协议。
	ErrResponseInvalid = errors.New("response invalid")
)

// 校验器故障（ValidatorError 的三种来源）。
var (
	ErrCheckerSpawn = errors.New("checker spawn failed")
	ErrCheckerStdin = errors.New("checker stdin write failed")
	ErrCheckerWait  = errors.New("checker wait failed")
)

// ErrDeadlineExpired: 单个窗口的校验竞速在截止时间内未得出结论。
var ErrDeadlineExpired = errors.New("window deadline expired")
