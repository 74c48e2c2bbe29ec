// Package prompt composes the text document handed to an agent CLI.
// Output is deterministic: fixed section order, metadata keys sorted, no
// escaping — callers keep description/metadata strings safe.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/geobrowser/taskforge/internal/agent"
	"github.com/geobrowser/taskforge/internal/task"
)

// sectionSeparator joins the prompt sections.
const sectionSeparator = "\n\n---\n\n"

// Input carries everything one composition needs.
type Input struct {
	Task  task.Task
	Agent *agent.Definition // nil → no Agent Instructions section

	// RetryContext describes the previous failed attempt. Empty → no
	// Previous Attempt Context section.
	RetryContext string
}

// Build renders the prompt document. Sections in order: Agent
// Instructions (when an agent is present), Task, Previous Attempt Context
// (when retry context is supplied).
func Build(in Input) string {
	var sections []string

	if in.Agent != nil {
		sections = append(sections, "# Agent Instructions\n\n"+in.Agent.Prompt())
	}

	sections = append(sections, taskSection(in.Task))

	if in.RetryContext != "" {
		sections = append(sections, "# Previous Attempt Context\n\n"+in.RetryContext)
	}

	return strings.Join(sections, sectionSeparator)
}

func taskSection(t task.Task) string {
	var b strings.Builder
	b.WriteString("# Task\n\n")
	fmt.Fprintf(&b, "**ID:** %s\n", t.ID)
	fmt.Fprintf(&b, "**Title:** %s\n", t.Title)
	fmt.Fprintf(&b, "**Status:** %s\n", t.Status)
	fmt.Fprintf(&b, "**Priority:** %s\n", t.Priority)
	if t.Feature != "" {
		fmt.Fprintf(&b, "**Feature:** %s\n", t.Feature)
	}
	if t.Description != "" {
		b.WriteString("\n" + t.Description + "\n")
	}
	if len(t.Metadata) > 0 {
		b.WriteString("\n## Metadata\n\n")
		keys := make([]string, 0, len(t.Metadata))
		for k := range t.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- **%s:** %s\n", k, renderValue(t.Metadata[k]))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderValue formats a metadata value: arrays joined by ", ", maps
// serialized compactly, scalars via fmt.
func renderValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = renderValue(item)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(val, ", ")
	case map[string]any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}
