package interrupt_test

import (
	"testing"

	"github.com/pilotcrew/agentpilot/internal/domain/interrupt"
)

func TestResolutionTerminal(t *testing.T) {
	terminal := []interrupt.Resolution{
		interrupt.ResolutionApproved,
		interrupt.ResolutionDenied,
		interrupt.ResolutionEdited,
		interrupt.ResolutionTimedOut,
	}
	for _, r := range terminal {
		if !r.Terminal() {
			t.Fatalf("expected %q terminal", r)
		}
	}
	if interrupt.ResolutionPending.Terminal() {
		t.Fatal("pending must not be terminal")
	}
}

func TestDecisionResolution(t *testing.T) {
	cases := []struct {
		d    interrupt.Decision
		want interrupt.Resolution
	}{
		{interrupt.DecisionApprove, interrupt.ResolutionApproved},
		{interrupt.DecisionDeny, interrupt.ResolutionDenied},
		{interrupt.DecisionEdit, interrupt.ResolutionEdited},
	}
	for _, c := range cases {
		got, err := c.d.Resolution()
		if err != nil {
			t.Fatalf("%s: %v", c.d, err)
		}
		if got != c.want {
			t.Fatalf("%s: expected %q, got %q", c.d, c.want, got)
		}
	}

	if _, err := interrupt.Decision("shrug").Resolution(); err == nil {
		t.Fatal("expected error for unknown decision")
	}
}

func TestEffectiveArgs(t *testing.T) {
	orig := map[string]any{"cmd": "rm -rf /tmp/x"}
	edited := map[string]any{"cmd": "rm -rf /tmp/x/cache"}

	r := &interrupt.Request{Args: orig, Resolution: interrupt.ResolutionApproved}
	if got := r.EffectiveArgs(); got["cmd"] != orig["cmd"] {
		t.Fatal("approved request keeps original args")
	}

	r.Resolution = interrupt.ResolutionEdited
	r.ResolvedArgs = edited
	if got := r.EffectiveArgs(); got["cmd"] != edited["cmd"] {
		t.Fatal("edited request substitutes resolved args")
	}
}

func TestRequestValidate(t *testing.T) {
	r := &interrupt.Request{TaskID: "t", Tool: "run_command"}
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := (&interrupt.Request{Tool: "x"}).Validate(); err == nil {
		t.Fatal("expected error for missing task_id")
	}
	if err := (&interrupt.Request{TaskID: "t"}).Validate(); err == nil {
		t.Fatal("expected error for missing tool_name")
	}
}
