package stale

import (
	"testing"

	workflow "github.com/distr1/workflow"
)

func TestMissingMetaIsOutdated(t *testing.T) {
	if !Outdated(nil, Inputs{}) {
		t.Error("no cached meta should always be outdated")
	}
}

func TestAlwaysTriggerAlwaysOutdated(t *testing.T) {
	cached := &workflow.Meta{CommandHash: "a", DependsHash: "b"}
	in := Inputs{Trigger: workflow.TriggerAlways, CurrentCommandHash: "a", CurrentDependsHash: "b"}
	if !Outdated(cached, in) {
		t.Error("TriggerAlways must always rebuild")
	}
}

func TestCommandChangeInvalidates(t *testing.T) {
	cached := &workflow.Meta{CommandHash: "old", DependsHash: "b"}
	in := Inputs{Trigger: workflow.TriggerAny, CurrentCommandHash: "new", CurrentDependsHash: "b"}
	if !Outdated(cached, in) {
		t.Error("command change should invalidate under TriggerAny")
	}
}

func TestUnchangedIsNotOutdated(t *testing.T) {
	cached := &workflow.Meta{CommandHash: "a", DependsHash: "b", FileHash: ""}
	in := Inputs{Trigger: workflow.TriggerAny, CurrentCommandHash: "a", CurrentDependsHash: "b"}
	if Outdated(cached, in) {
		t.Error("unchanged target should not be outdated (idempotence, P2)")
	}
}

func TestDependsTriggerIgnoresCommand(t *testing.T) {
	cached := &workflow.Meta{CommandHash: "old", DependsHash: "b"}
	in := Inputs{Trigger: workflow.TriggerDepends, CurrentCommandHash: "new", CurrentDependsHash: "b"}
	if Outdated(cached, in) {
		t.Error("TriggerDepends should not care about command changes")
	}
}

func TestFileChangeDetectsMissingOutput(t *testing.T) {
	cached := &workflow.Meta{CommandHash: "a", DependsHash: "b", FileHash: "h1"}
	in := Inputs{
		Trigger:            workflow.TriggerAny,
		CurrentCommandHash: "a",
		CurrentDependsHash: "b",
		OutputFiles:        map[string]FileState{"out.txt": {Exists: false}},
	}
	if !Outdated(cached, in) {
		t.Error("missing output file should be outdated")
	}
}

func TestMissingTriggerChecksObjectStore(t *testing.T) {
	cached := &workflow.Meta{CommandHash: "a", DependsHash: "b"}
	in := Inputs{Trigger: workflow.TriggerMissing, ValueExists: false}
	if !Outdated(cached, in) {
		t.Error("TriggerMissing with no cached value should be outdated")
	}
	in.ValueExists = true
	if Outdated(cached, in) {
		t.Error("TriggerMissing with a cached value should not be outdated")
	}
}

func TestComputeDependsHashPendingForcesMismatch(t *testing.T) {
	resolved := ComputeDependsHash([]string{"a"}, func(name string) (string, bool) {
		return "h1", true
	})
	pending := ComputeDependsHash([]string{"a"}, func(name string) (string, bool) {
		return "", false
	})
	if resolved == pending {
		t.Error("a pending (not-yet-built) dependency must not hash the same as a resolved one")
	}
}
