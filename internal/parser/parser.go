// Package parser turns agent NDJSON output streams into structured
// activity: tool usage, touched files, live events, and completion.
package parser

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

// Live event types.
const (
	EventText       = "text"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventSystem     = "system"
	EventResult     = "result"
	EventRaw        = "raw"
)

// errorMessageLimit caps stored error messages.
const errorMessageLimit = 200

// LiveEvent is one displayable activity item.
type LiveEvent struct {
	Type      string `json:"type"`
	Tool      string `json:"tool,omitempty"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Result is the accumulated parse state for one output stream. It is
// safe to reuse across incremental parses of the same file.
type Result struct {
	Events        []LiveEvent    `json:"events"`
	EventCount    int            `json:"event_count"`
	ToolCounts    map[string]int `json:"tool_counts"`
	TotalTools    int            `json:"total_tools"`
	FilesCreated  []string       `json:"files_created"`
	FilesModified []string       `json:"files_modified"`
	LastText      string         `json:"last_text"`
	CurrentTask   string         `json:"current_task,omitempty"`
	Interactions  int            `json:"interactions"`
	Errors        []string       `json:"errors,omitempty"`
	Completed     bool           `json:"completed"`
	LastActivity  string         `json:"last_activity,omitempty"`

	created  map[string]bool
	modified map[string]bool
	lastTime time.Time
}

// Options tunes parsing.
type Options struct {
	// CompletionMarkers are matched case-insensitively against each
	// serialized event.
	CompletionMarkers []string
	// MaxContentLength truncates event content for display.
	MaxContentLength int
	// MaxLiveEvents bounds the retained event ring.
	MaxLiveEvents int
}

// New returns an empty result ready for incremental parsing.
func New() *Result {
	return &Result{
		ToolCounts: map[string]int{},
		created:    map[string]bool{},
		modified:   map[string]bool{},
	}
}

// Parse consumes a chunk of NDJSON (or plain text) output and folds it
// into r. Lines that are not valid JSON objects become raw events.
func (r *Result) Parse(chunk string, opts Options) {
	if r.ToolCounts == nil {
		r.ToolCounts = map[string]int{}
	}
	if r.created == nil {
		r.created = map[string]bool{}
		for _, f := range r.FilesCreated {
			r.created[f] = true
		}
	}
	if r.modified == nil {
		r.modified = map[string]bool{}
		for _, f := range r.FilesModified {
			r.modified[f] = true
		}
	}
	if r.lastTime.IsZero() && r.LastActivity != "" {
		if t, err := time.Parse(time.RFC3339, r.LastActivity); err == nil {
			r.lastTime = t
		}
	}

	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Markers are matched against the whole serialized event, so a
		// marker buried in tool input or a result payload still counts.
		r.checkCompletion(line, opts)

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil || obj == nil {
			r.addEvent(LiveEvent{Type: EventRaw, Content: line}, opts)
			r.EventCount++
			continue
		}
		r.consume(obj, line, opts)
	}
}

func (r *Result) consume(obj map[string]any, line string, opts Options) {
	ts := str(obj["timestamp"])
	r.advanceActivity(ts)

	if isErr, _ := obj["is_error"].(bool); isErr || str(obj["type"]) == "error" {
		msg := str(obj["message"])
		if msg == "" {
			msg = str(obj["content"])
		}
		if msg == "" {
			msg = line
		}
		r.recordError(msg)
	}

	switch str(obj["type"]) {
	case "assistant":
		r.Interactions++
		for _, block := range contentBlocks(obj) {
			switch str(block["type"]) {
			case "text":
				text := str(block["text"])
				if strings.TrimSpace(text) == "" {
					continue
				}
				r.LastText = text
				r.addEvent(LiveEvent{Type: EventText, Content: text, Timestamp: ts}, opts)
			case "tool_use":
				r.toolUse(block, ts, opts)
			}
		}
	case "tool_use":
		// Some streams emit tool_use at the top level instead of nested
		// in an assistant message; the block shape is the same.
		r.toolUse(obj, ts, opts)
	case "user":
		for _, block := range contentBlocks(obj) {
			if str(block["type"]) != "tool_result" {
				continue
			}
			summary := resultSummary(block)
			if isErr, _ := block["is_error"].(bool); isErr {
				r.recordError(summary)
			}
			r.addEvent(LiveEvent{Type: EventToolResult, Content: summary, Timestamp: ts}, opts)
		}
	case "system":
		if sub := str(obj["subtype"]); sub != "" {
			r.addEvent(LiveEvent{Type: EventSystem, Content: sub, Timestamp: ts}, opts)
		}
	case "result":
		r.addEvent(LiveEvent{Type: EventResult, Content: str(obj["result"]), Timestamp: ts}, opts)
		if str(obj["subtype"]) == "success" {
			r.Completed = true
		}
	default:
		// Unknown but valid JSON: count, do not display.
	}
	r.EventCount++
}

func (r *Result) toolUse(block map[string]any, ts string, opts Options) {
	name := str(block["name"])
	if name == "" {
		name = "unknown"
	}
	r.ToolCounts[name]++
	r.TotalTools++
	r.addEvent(LiveEvent{Type: EventToolUse, Tool: name, Content: toolSummary(name, block), Timestamp: ts}, opts)
	r.trackFile(name, block)
	if name == "TodoWrite" || name == "Task" {
		if task := taskFromInput(block); task != "" {
			r.CurrentTask = task
		}
	}
}

func (r *Result) addEvent(ev LiveEvent, opts Options) {
	maxLen := opts.MaxContentLength
	if maxLen <= 0 {
		maxLen = 300
	}
	ev.Content = runewidth.Truncate(strings.TrimSpace(ev.Content), maxLen, "…")
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	r.Events = append(r.Events, ev)
	maxEvents := opts.MaxLiveEvents
	if maxEvents <= 0 {
		maxEvents = 50
	}
	if len(r.Events) > maxEvents {
		r.Events = r.Events[len(r.Events)-maxEvents:]
	}
}

// advanceActivity moves LastActivity forward; out-of-order timestamps
// never move it back.
func (r *Result) advanceActivity(ts string) {
	if ts == "" {
		return
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return
	}
	if r.lastTime.IsZero() || t.After(r.lastTime) {
		r.lastTime = t
		r.LastActivity = t.UTC().Format(time.RFC3339)
	}
}

// ActivityTime returns the newest event timestamp seen, or the zero
// time when no event carried one.
func (r *Result) ActivityTime() time.Time { return r.lastTime }

func (r *Result) recordError(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	r.Errors = append(r.Errors, runewidth.Truncate(msg, errorMessageLimit, ""))
}

func (r *Result) checkCompletion(text string, opts Options) {
	if r.Completed || text == "" {
		return
	}
	lower := strings.ToLower(text)
	for _, marker := range opts.CompletionMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			r.Completed = true
			return
		}
	}
}

func (r *Result) trackFile(tool string, block map[string]any) {
	input, _ := block["input"].(map[string]any)
	if input == nil {
		return
	}
	path := str(input["file_path"])
	if path == "" {
		path = str(input["notebook_path"])
	}
	if path == "" {
		path = str(input["path"])
	}
	if path == "" {
		return
	}
	// A file can appear in both lists: written once, edited later.
	// First-sighting order is preserved per list.
	switch tool {
	case "Write", "NotebookEdit":
		if !r.created[path] {
			r.created[path] = true
			r.FilesCreated = append(r.FilesCreated, path)
		}
	case "Edit", "MultiEdit":
		if !r.modified[path] {
			r.modified[path] = true
			r.FilesModified = append(r.FilesModified, path)
		}
	}
}

// EstimateProgress converts activity volume into a 0..100 progress
// figure. Completion pins it at 100; otherwise it saturates at 95 so a
// busy but unfinished agent never looks done.
func (r *Result) EstimateProgress() float64 {
	if r.Completed {
		return 100
	}
	score := 3*float64(r.TotalTools) +
		5*float64(len(r.FilesCreated)) +
		2*float64(len(r.FilesModified))
	if r.CurrentTask != "" {
		score += 5
	}
	return min(95, score)
}

// ActivitySummary is a one-line description of recent work.
func (r *Result) ActivitySummary() string {
	if len(r.Events) == 0 {
		return ""
	}
	last := r.Events[len(r.Events)-1]
	switch last.Type {
	case EventToolUse:
		return last.Tool + ": " + last.Content
	default:
		return last.Content
	}
}

func contentBlocks(obj map[string]any) []map[string]any {
	msg, _ := obj["message"].(map[string]any)
	if msg == nil {
		return nil
	}
	raw, _ := msg["content"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, b := range raw {
		if m, ok := b.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func toolSummary(name string, block map[string]any) string {
	input, _ := block["input"].(map[string]any)
	if input == nil {
		return name
	}
	for _, key := range []string{"file_path", "path", "command", "pattern", "description", "prompt"} {
		if v := str(input[key]); v != "" {
			return v
		}
	}
	return name
}

func resultSummary(block map[string]any) string {
	switch c := block["content"].(type) {
	case string:
		return c
	case []any:
		for _, item := range c {
			if m, ok := item.(map[string]any); ok {
				if t := str(m["text"]); t != "" {
					return t
				}
			}
		}
	}
	return "(tool result)"
}

func taskFromInput(block map[string]any) string {
	input, _ := block["input"].(map[string]any)
	if input == nil {
		return ""
	}
	if v := str(input["description"]); v != "" {
		return v
	}
	// TodoWrite: first in_progress todo.
	todos, _ := input["todos"].([]any)
	for _, t := range todos {
		m, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if str(m["status"]) == "in_progress" {
			if v := str(m["activeForm"]); v != "" {
				return v
			}
			return str(m["content"])
		}
	}
	return ""
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
