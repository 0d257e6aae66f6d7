package detect

import (
	"context"

	"github.com/SOF3/bthint/pkg/contract"
)

// validate 对单个候选调用一次检查器，并把结果映射为 Outcome。
// fragment 为窗口原文，仅在 Valid 时携带。
func validate(ctx context.Context, checker contract.Checker, c contract.Candidate, fragment string) contract.Outcome {
	ok, err := checker.Check(ctx, c.Source)
	switch {
	case err != nil:
		return contract.Outcome{Kind: contract.ValidatorError, Variant: c.Variant, Err: err}
	case ok:
		return contract.Outcome{Kind: contract.Valid, Variant: c.Variant, Fragment: fragment}
	default:
		return contract.Outcome{Kind: contract.Invalid, Variant: c.Variant}
	}
}
