// Package guard implements the guardrail port with a rule-based content
// scanner applied to model output and tool arguments before execution.
package guard

import (
	"context"
	"fmt"
	"regexp"

	"github.com/pilotcrew/agentpilot/internal/port/guardrail"
)

// rule pairs a compiled pattern with the reason reported on a block.
type rule struct {
	pattern *regexp.Regexp
	reason  string
}

// Scanner checks text against a fixed rule set. Rules are compiled once at
// construction; scanning is lock-free and safe for concurrent use.
type Scanner struct {
	rules []rule
}

// defaultRules block the categories the sandbox must never be asked to act
// on, regardless of tool risk tier.
var defaultRules = []struct {
	expr   string
	reason string
}{
	{`(?i)\brm\s+-rf\s+/(?:\s|$)`, "destructive filesystem command"},
	{`(?i)(?:^|\W)(?:DROP|TRUNCATE)\s+(?:TABLE|DATABASE)\b`, "destructive database statement"},
	{`(?i)\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`, "embedded cloud credential"},
	{`(?i)-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`, "embedded private key"},
	{`(?i)\bmkfs\.[a-z0-9]+\b`, "disk format command"},
	{`(?i):\(\)\s*\{\s*:\|:\s*&\s*\}\s*;`, "fork bomb"},
}

// NewScanner compiles the default rules plus any extra patterns. Extra
// patterns that fail to compile are rejected rather than skipped.
func NewScanner(extra ...string) (*Scanner, error) {
	s := &Scanner{}
	for _, r := range defaultRules {
		s.rules = append(s.rules, rule{pattern: regexp.MustCompile(r.expr), reason: r.reason})
	}
	for _, expr := range extra {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile guard pattern %q: %w", expr, err)
		}
		s.rules = append(s.rules, rule{pattern: re, reason: "custom policy rule"})
	}
	return s, nil
}

// Scan checks text against every rule. The first matching rule blocks.
func (s *Scanner) Scan(_ context.Context, text string) (guardrail.Verdict, error) {
	for _, r := range s.rules {
		if r.pattern.MatchString(text) {
			return guardrail.Verdict{Allowed: false, Reason: r.reason}, nil
		}
	}
	return guardrail.Verdict{Allowed: true}, nil
}
