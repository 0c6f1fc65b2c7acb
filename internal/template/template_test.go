package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/gasflow/internal/knowledge"
	"github.com/nextlevelbuilder/gasflow/internal/transfer"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars map[string]any
		want string
	}{
		{"simple", "hello {{name}}", map[string]any{"name": "world"}, "hello world"},
		{"spaces", "{{ name }} and {{name}}", map[string]any{"name": "x"}, "x and x"},
		{"unknown kept", "keep {{missing}}", map[string]any{}, "keep {{missing}}"},
		{"repeated", "{{a}}{{a}}", map[string]any{"a": "1"}, "11"},
		{"empty value", "[{{a}}]", map[string]any{"a": ""}, "[]"},
		{"if true", "{{#if ok}}yes{{/if}}", map[string]any{"ok": true}, "yes"},
		{"if false", "{{#if ok}}yes{{/if}}", map[string]any{"ok": false}, ""},
		{"if missing", "{{#if ok}}yes{{/if}}", map[string]any{}, ""},
		{"if else", "{{#if ok}}yes{{else}}no{{/if}}", map[string]any{"ok": "false"}, "no"},
		{"if string truthy", "{{#if name}}hi {{name}}{{/if}}", map[string]any{"name": "ada"}, "hi ada"},
		{"unless", "{{#unless done}}keep going{{/unless}}", map[string]any{"done": false}, "keep going"},
		{"unless suppressed", "{{#unless done}}keep going{{/unless}}", map[string]any{"done": true}, ""},
		{"each strings", "{{#each xs}}[{{this}}]{{/each}}", map[string]any{"xs": []string{"a", "b"}}, "[a][b]"},
		{"each index", "{{#each xs}}{{@index}}:{{this}} {{/each}}", map[string]any{"xs": []string{"a", "b"}}, "1:a 2:b "},
		{
			"each fields",
			"{{#each tasks}}{{this.name}}={{this.status}};{{/each}}",
			map[string]any{"tasks": []map[string]string{{"name": "build", "status": "done"}}},
			"build=done;",
		},
		{"each empty", "{{#each xs}}x{{/each}}none", map[string]any{}, "none"},
		{
			"nested if",
			"{{#if a}}{{#if b}}both{{else}}only a{{/if}}{{/if}}",
			map[string]any{"a": true, "b": false},
			"only a",
		},
		{
			"else binds to outer if",
			"{{#if a}}{{#if b}}x{{/if}}{{else}}outer{{/if}}",
			map[string]any{"a": false, "b": true},
			"outer",
		},
		{"unterminated kept", "{{#if a}}dangling", map[string]any{"a": true}, "{{#if a}}dangling"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.tmpl, tt.vars); got != tt.want {
				t.Errorf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderCollapsesBlankRuns(t *testing.T) {
	got := Render("a\n\n\n\n{{#if no}}x{{/if}}\nb", map[string]any{})
	if got != "a\n\nb" {
		t.Errorf("Render = %q, want blank runs collapsed", got)
	}
}

func TestDefaultTemplateRenders(t *testing.T) {
	st := &workspace.State{ProjectName: "demo", TaskObjective: "build it", Mode: workspace.ModeSingle}
	agent := &workspace.AgentState{AgentID: "a1b2c3d", Role: "generalist", Wave: 1}

	out := Render(Default(), Variables(st, agent, 1, nil))
	if strings.Contains(out, "{{") {
		t.Errorf("unresolved placeholders in rendered prompt:\n%s", out)
	}
	if !strings.Contains(out, "first generation") {
		t.Error("gen 1 prompt should say it is the first generation")
	}
	if !strings.Contains(out, "build it") {
		t.Error("prompt should contain the objective")
	}
	if !strings.Contains(out, "(nothing yet)") {
		t.Error("gen 1 prompt should show the empty completed-work marker")
	}
}

func TestVariablesWithTransfer(t *testing.T) {
	st := &workspace.State{ProjectName: "demo", TaskObjective: "build it", Mode: workspace.ModeSingle}
	agent := &workspace.AgentState{AgentID: "a1b2c3d", Role: "generalist", Wave: 1}
	doc := &transfer.Document{
		Meta: transfer.Meta{Generation: 2, SuccessorGeneration: 3, AgentID: "a1b2c3d", Reason: "stall"},
		TaskState: transfer.TaskState{
			Objective: "build it", CurrentTask: "API layer", Progress: 40, Confidence: 0.55,
		},
		CompletedWork: transfer.CompletedWork{Subtasks: []string{"schema", "migrations"}},
		WorkingMemory: transfer.WorkingMemory{
			RecentLearnings: []string{"db is case sensitive"},
			OpenQuestions:   []string{"is the cache shared?"},
		},
		AccumulatedKnowledge: knowledge.Snapshot{
			AntiPatterns: []knowledge.Entry{{Context: "db", Pattern: "bulk insert times out", Confidence: 0.7}},
		},
	}

	vars := Variables(st, agent, 3, doc)
	if vars["parent_generation"] != "2" {
		t.Errorf("parent_generation = %v, want 2", vars["parent_generation"])
	}
	if vars["is_first_generation"] != false {
		t.Error("is_first_generation should be false with a transfer document")
	}
	inherited, _ := vars["inherited_context"].(string)
	if !strings.Contains(inherited, "stall") {
		t.Error("inherited context should mention the retirement reason")
	}

	out := Render(Default(), vars)
	if strings.Contains(out, "{{") {
		t.Errorf("unresolved placeholders with transfer document:\n%s", out)
	}
	if !strings.Contains(out, "1. schema") || !strings.Contains(out, "2. migrations") {
		t.Error("completed work should render as a numbered list")
	}
	if !strings.Contains(out, "is the cache shared?") {
		t.Error("open questions should carry into the prompt")
	}
	if !strings.Contains(out, "Known dead ends") {
		t.Error("knowledge section should list anti-patterns")
	}
}

func TestLoadOrDefault(t *testing.T) {
	if got, err := LoadOrDefault(""); err != nil || got != Default() {
		t.Errorf("empty path should return default (err=%v)", err)
	}
	if got, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.tmpl")); err != nil || got != Default() {
		t.Errorf("missing file should return default (err=%v)", err)
	}

	path := filepath.Join(t.TempDir(), "custom.tmpl")
	if err := os.WriteFile(path, []byte("custom {{objective}}"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := LoadOrDefault(path)
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if got != "custom {{objective}}" {
		t.Errorf("got %q", got)
	}
}
