package knowledge

import (
	"fmt"
	"strings"
)

// Markdown renders the store as a human-readable report, used by the
// knowledge export subcommand and the final run reports.
func (s *Store) Markdown() string {
	snap := s.Export(0)
	stats := s.Summary()

	var b strings.Builder
	b.WriteString("# Knowledge Store\n\n")
	fmt.Fprintf(&b, "%d entries, average confidence %.2f\n", stats.Total, stats.AvgConfidence)

	writeSection(&b, "Success Patterns", snap.SuccessPatterns)
	writeSection(&b, "Anti-Patterns", snap.AntiPatterns)
	writeSection(&b, "Domain Facts", snap.DomainFacts)
	return b.String()
}

func writeSection(b *strings.Builder, title string, entries []Entry) {
	b.WriteString("\n## " + title + "\n\n")
	if len(entries) == 0 {
		b.WriteString("_none_\n")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(b, "- **[%s]** %s (confidence %.2f, seen %dx, gen %d)\n",
			e.Context, e.Pattern, e.Confidence, e.Occurrences, e.SourceGeneration)
	}
}
