package prompt

import (
	"strings"
	"testing"

	"github.com/geobrowser/taskforge/internal/agent"
	"github.com/geobrowser/taskforge/internal/task"
)

func sampleTask() task.Task {
	return task.Task{
		ID:          "tf-001",
		Title:       "Wire the flux capacitor",
		Description: "Route 1.21 gigawatts safely.",
		Status:      task.StatusPending,
		Priority:    task.PriorityHigh,
		Feature:     "power",
	}
}

func sampleAgent(t *testing.T) *agent.Definition {
	t.Helper()
	def, err := agent.New(agent.Spec{Name: "worker", Prompt: "You are the implementer."})
	if err != nil {
		t.Fatal(err)
	}
	return def
}

func TestBuildSectionOrder(t *testing.T) {
	out := Build(Input{
		Task:         sampleTask(),
		Agent:        sampleAgent(t),
		RetryContext: "attempt 1 timed out after 60s",
	})

	sections := strings.Split(out, "\n\n---\n\n")
	if len(sections) != 3 {
		t.Fatalf("got %d sections, want 3:\n%s", len(sections), out)
	}
	if !strings.HasPrefix(sections[0], "# Agent Instructions") {
		t.Errorf("section 0 = %q", sections[0][:min(40, len(sections[0]))])
	}
	if !strings.HasPrefix(sections[1], "# Task") {
		t.Errorf("section 1 = %q", sections[1][:min(40, len(sections[1]))])
	}
	if !strings.HasPrefix(sections[2], "# Previous Attempt Context") {
		t.Errorf("section 2 = %q", sections[2][:min(40, len(sections[2]))])
	}
}

func TestBuildOmitsAbsentSections(t *testing.T) {
	out := Build(Input{Task: sampleTask()})

	if strings.Contains(out, "Agent Instructions") {
		t.Error("no agent → no Agent Instructions section")
	}
	if strings.Contains(out, "Previous Attempt Context") {
		t.Error("no retry context → no Previous Attempt Context section")
	}
	if strings.Contains(out, "---") {
		t.Error("single section needs no separator")
	}
}

func TestTaskSectionFields(t *testing.T) {
	out := Build(Input{Task: sampleTask()})

	for _, want := range []string{
		"**ID:** tf-001",
		"**Title:** Wire the flux capacitor",
		"**Status:** pending",
		"**Priority:** high",
		"**Feature:** power",
		"Route 1.21 gigawatts safely.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestFeatureOmittedWhenEmpty(t *testing.T) {
	tk := sampleTask()
	tk.Feature = ""
	out := Build(Input{Task: tk})
	if strings.Contains(out, "Feature") {
		t.Error("empty feature should be omitted")
	}
}

func TestMetadataRendering(t *testing.T) {
	tk := sampleTask()
	tk.Metadata = map[string]any{
		"labels":  []any{"infra", "urgent"},
		"agent":   "planner",
		"budget":  map[string]any{"tokens": float64(5000)},
		"retries": 2,
	}
	out := Build(Input{Task: tk})

	for _, want := range []string{
		"## Metadata",
		"- **agent:** planner",
		"- **labels:** infra, urgent",
		`- **budget:** {"tokens":5000}`,
		"- **retries:** 2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}

	// Keys render in sorted order for determinism.
	if strings.Index(out, "**agent:**") > strings.Index(out, "**labels:**") {
		t.Error("metadata keys should be sorted")
	}
}

func TestBuildDeterministic(t *testing.T) {
	in := Input{
		Task:         sampleTask(),
		Agent:        sampleAgent(t),
		RetryContext: "rate limited",
	}
	in.Task.Metadata = map[string]any{"b": "2", "a": "1", "c": []any{"x", "y"}}

	first := Build(in)
	for i := 0; i < 10; i++ {
		if Build(in) != first {
			t.Fatal("Build output must be byte-identical across invocations")
		}
	}
}

func TestBuildGrowsMonotonically(t *testing.T) {
	bare := len(Build(Input{Task: sampleTask()}))
	withAgent := len(Build(Input{Task: sampleTask(), Agent: sampleAgent(t)}))
	withBoth := len(Build(Input{Task: sampleTask(), Agent: sampleAgent(t), RetryContext: "ctx"}))

	if !(bare < withAgent && withAgent < withBoth) {
		t.Errorf("size should grow with sections: %d, %d, %d", bare, withAgent, withBoth)
	}
}
