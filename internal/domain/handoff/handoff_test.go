package handoff_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/domain/handoff"
	"github.com/pilotcrew/agentpilot/internal/domain/routing"
)

func stateWithTurns(t *testing.T, n int) *agentstate.State {
	t.Helper()
	s, err := agentstate.NewState("query")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		s.Append(agentstate.Message{Role: agentstate.RoleAssistant, Content: fmt.Sprintf("turn %d", i)})
	}
	return s
}

func TestBuild_TruncatesSharedMemory(t *testing.T) {
	s := stateWithTurns(t, 10) // 11 messages with the seed

	info, err := handoff.Build(s, routing.AgentTask, routing.AgentResearch, "needs sources", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.SharedMemory) != 4 {
		t.Fatalf("expected 4 shared turns, got %d", len(info.SharedMemory))
	}
	if info.SharedMemory[3].Content != "turn 9" {
		t.Fatalf("expected the most recent turn last, got %q", info.SharedMemory[3].Content)
	}
}

func TestBuild_RejectsSelfHandoff(t *testing.T) {
	s := stateWithTurns(t, 1)
	_, err := handoff.Build(s, routing.AgentTask, routing.AgentTask, "loop", 4)
	if !errors.Is(err, handoff.ErrSelfHandoff) {
		t.Fatalf("expected ErrSelfHandoff, got %v", err)
	}
}

func TestBuild_RejectsUnknownTargetAndEmptyReason(t *testing.T) {
	s := stateWithTurns(t, 1)
	if _, err := handoff.Build(s, routing.AgentTask, "oracle", "r", 4); err == nil {
		t.Fatal("expected error for unknown target")
	}
	if _, err := handoff.Build(s, routing.AgentTask, routing.AgentResearch, "", 4); err == nil {
		t.Fatal("expected error for empty reason")
	}
}

func TestBuild_CarriesPinnedFacts(t *testing.T) {
	s := stateWithTurns(t, 2)
	s.PinnedFacts = []string{"deadline is friday"}

	info, err := handoff.Build(s, routing.AgentTask, routing.AgentResearch, "research needed", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.PinnedFacts) != 1 || info.PinnedFacts[0] != "deadline is friday" {
		t.Fatalf("expected pinned facts carried, got %+v", info.PinnedFacts)
	}

	// The envelope owns its copy.
	info.PinnedFacts[0] = "mutated"
	if s.PinnedFacts[0] == "mutated" {
		t.Fatal("pinned facts must be copied, not aliased")
	}
}
