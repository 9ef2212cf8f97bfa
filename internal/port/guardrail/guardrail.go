// Package guardrail defines the opaque content-safety capability.
package guardrail

import "context"

// Verdict is the result of scanning a piece of text.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Scanner checks text against content-safety policy. A block is a policy
// decision, not a transient failure: callers short-circuit the current step
// with a sanitized refusal and do not count it toward error streaks.
type Scanner interface {
	Scan(ctx context.Context, text string) (Verdict, error)
}
