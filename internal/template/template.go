// Package template renders generation prompts from {{placeholder}}
// templates and orchestration state. Besides plain substitution the
// engine understands {{#if name}}...{{else}}...{{/if}},
// {{#unless name}}...{{/unless}}, and {{#each name}} blocks with
// {{this}}, {{this.field}}, and a 1-based {{@index}}.
package template

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/gasflow/internal/knowledge"
	"github.com/nextlevelbuilder/gasflow/internal/transfer"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

//go:embed prompt.tmpl
var defaultTemplate string

// maxNesting bounds recursive block expansion.
const maxNesting = 10

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)
	ifPattern          = regexp.MustCompile(`\{\{#if\s+([a-zA-Z0-9_]+)\s*\}\}`)
	unlessPattern      = regexp.MustCompile(`\{\{#unless\s+([a-zA-Z0-9_]+)\s*\}\}`)
	eachPattern        = regexp.MustCompile(`\{\{#each\s+([a-zA-Z0-9_]+)\s*\}\}`)
	thisPattern        = regexp.MustCompile(`\{\{this(?:\.([a-zA-Z0-9_]+))?\}\}`)
	newlineRun         = regexp.MustCompile(`\n{3,}`)
)

// Render expands block constructs and substitutes {{name}} placeholders
// from vars. Unknown placeholders are left intact so missing variables
// stay visible.
func Render(tmpl string, vars map[string]any) string {
	out := renderBlocks(tmpl, vars, 0)
	out = placeholderPattern.ReplaceAllStringFunc(out, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return stringify(v)
		}
		return m
	})
	return newlineRun.ReplaceAllString(out, "\n\n")
}

func renderBlocks(s string, vars map[string]any, depth int) string {
	if depth > maxNesting {
		return s
	}
	s = expandBlocks(s, eachPattern, "{{#each", "{{/each}}", func(name, body string) string {
		var b strings.Builder
		for i, item := range listValue(vars[name]) {
			iter := thisPattern.ReplaceAllStringFunc(body, func(m string) string {
				field := thisPattern.FindStringSubmatch(m)[1]
				return itemValue(item, field)
			})
			iter = strings.ReplaceAll(iter, "{{@index}}", strconv.Itoa(i+1))
			b.WriteString(renderBlocks(iter, vars, depth+1))
		}
		return b.String()
	})
	s = expandBlocks(s, ifPattern, "{{#if", "{{/if}}", func(name, body string) string {
		thenPart, elsePart := splitElse(body)
		if truthy(vars[name]) {
			return renderBlocks(thenPart, vars, depth+1)
		}
		return renderBlocks(elsePart, vars, depth+1)
	})
	s = expandBlocks(s, unlessPattern, "{{#unless", "{{/unless}}", func(name, body string) string {
		if truthy(vars[name]) {
			return ""
		}
		return renderBlocks(body, vars, depth+1)
	})
	return s
}

// expandBlocks replaces every top-level open...close block, matching
// the close tag at the same nesting level as the opener. The scan only
// moves forward, so block-shaped text produced by an expansion is left
// alone rather than re-expanded.
func expandBlocks(s string, open *regexp.Regexp, openTag, closeTag string, expand func(name, body string) string) string {
	var out strings.Builder
	for {
		loc := open.FindStringSubmatchIndex(s)
		if loc == nil {
			out.WriteString(s)
			return out.String()
		}
		name := s[loc[2]:loc[3]]
		end := matchingClose(s, loc[1], openTag, closeTag)
		if end < 0 {
			out.WriteString(s)
			return out.String()
		}
		out.WriteString(s[:loc[0]])
		out.WriteString(expand(name, s[loc[1]:end]))
		s = s[end+len(closeTag):]
	}
}

// matchingClose finds the close tag balancing the opener that ended at
// index from. Returns -1 when the block is unterminated.
func matchingClose(s string, from int, openTag, closeTag string) int {
	depth := 1
	for i := from; ; {
		o := strings.Index(s[i:], openTag)
		c := strings.Index(s[i:], closeTag)
		if c < 0 {
			return -1
		}
		if o >= 0 && o < c {
			depth++
			i += o + len(openTag)
			continue
		}
		depth--
		if depth == 0 {
			return i + c
		}
		i += c + len(closeTag)
	}
}

// splitElse splits an if-body at its own {{else}}, skipping over any
// nested if blocks.
func splitElse(body string) (thenPart, elsePart string) {
	depth := 0
	for i := 0; i < len(body); i++ {
		switch {
		case strings.HasPrefix(body[i:], "{{#if"):
			depth++
			i += len("{{#if") - 1
		case strings.HasPrefix(body[i:], "{{/if}}"):
			depth--
			i += len("{{/if}}") - 1
		case depth == 0 && strings.HasPrefix(body[i:], "{{else}}"):
			return body[:i], body[i+len("{{else}}"):]
		}
	}
	return body, ""
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && !strings.EqualFold(x, "false")
	case int:
		return x != 0
	case float64:
		return x != 0
	case []string:
		return len(x) > 0
	case []any:
		return len(x) > 0
	default:
		return true
	}
}

func listValue(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []map[string]string:
		out := make([]any, len(x))
		for i, m := range x {
			out[i] = m
		}
		return out
	default:
		return nil
	}
}

func itemValue(item any, field string) string {
	if field == "" {
		return stringify(item)
	}
	switch m := item.(type) {
	case map[string]string:
		return m[field]
	case map[string]any:
		return stringify(m[field])
	default:
		return ""
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

// Default returns the built-in generation prompt template.
func Default() string { return defaultTemplate }

// LoadOrDefault reads a template file, falling back to the built-in
// template when path is empty or missing.
func LoadOrDefault(path string) (string, error) {
	if path == "" {
		return defaultTemplate, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultTemplate, nil
		}
		return "", err
	}
	return string(data), nil
}

// Variables builds the substitution map for one generation. doc may be
// nil for a first generation with nothing to inherit.
func Variables(st *workspace.State, agent *workspace.AgentState, gen int, doc *transfer.Document) map[string]any {
	vars := map[string]any{
		"project_name":        st.ProjectName,
		"objective":           st.TaskObjective,
		"mode":                st.Mode,
		"agent_id":            agent.AgentID,
		"role":                agent.Role,
		"focus":               agent.Focus,
		"generation":          strconv.Itoa(gen),
		"wave":                strconv.Itoa(agent.Wave),
		"is_first_generation": doc == nil,
	}
	if doc == nil {
		vars["parent_generation"] = "0"
		vars["inherited_context"] = ""
		vars["completed_tasks"] = []string{}
		vars["knowledge"] = "(empty)"
		return vars
	}

	vars["parent_generation"] = strconv.Itoa(doc.Meta.Generation)
	vars["inherited_context"] = inheritedContext(doc)
	vars["completed_tasks"] = append([]string{}, doc.CompletedWork.Subtasks...)
	vars["next_steps"] = append([]string{}, doc.WorkingMemory.NextSteps...)
	vars["open_questions"] = append([]string{}, doc.WorkingMemory.OpenQuestions...)
	vars["knowledge"] = knowledgeSection(doc)
	return vars
}

func inheritedContext(doc *transfer.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generation %d retired (%s) at %.0f%% progress, confidence %.2f.\n",
		doc.Meta.Generation, doc.Meta.Reason, doc.TaskState.Progress, doc.TaskState.Confidence)
	fmt.Fprintf(&b, "It was working on: %s\n", doc.TaskState.CurrentTask)
	if len(doc.TaskState.Blockers) > 0 {
		b.WriteString("Blockers it hit:\n")
		for _, bl := range doc.TaskState.Blockers {
			b.WriteString("- " + bl + "\n")
		}
	}
	if len(doc.WorkingMemory.RecentLearnings) > 0 {
		b.WriteString("Recent learnings:\n")
		for _, l := range doc.WorkingMemory.RecentLearnings {
			b.WriteString("- " + l + "\n")
		}
	}
	if doc.ConversationSummary != "" {
		b.WriteString("Summary of its session:\n" + doc.ConversationSummary + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func knowledgeSection(doc *transfer.Document) string {
	k := doc.AccumulatedKnowledge
	if len(k.SuccessPatterns)+len(k.AntiPatterns)+len(k.DomainFacts) == 0 {
		return "(empty)"
	}
	var b strings.Builder
	appendEntries := func(title string, entries []knowledge.Entry) {
		if len(entries) == 0 {
			return
		}
		b.WriteString(title + ":\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "- [%s] %s (%.2f)\n", e.Context, e.Pattern, e.Confidence)
		}
	}
	appendEntries("Proven approaches", k.SuccessPatterns)
	appendEntries("Known dead ends", k.AntiPatterns)
	appendEntries("Domain facts", k.DomainFacts)
	return strings.TrimRight(b.String(), "\n")
}
