// Package knowledge persists what generations learn so successors do
// not relearn it: success patterns, anti-patterns, and domain facts.
package knowledge

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry kinds.
const (
	KindSuccess = "success_pattern"
	KindAnti    = "anti_pattern"
	KindDomain  = "domain_fact"
)

// Reinforcement and decay tuning.
const (
	defaultConfidence  = 0.75
	promoteAfter       = 3    // occurrences before confidence starts climbing
	promoteStep        = 0.05 // confidence gain per reinforcement past the bar
	decayStep          = 0.10
	decayFloor         = 0.10
	decayGenerationLag = 2 // generations behind before an entry can decay
)

// Entry is one learned item. Evidence backs success patterns, Impact
// records what an anti-pattern caused, and Category groups domain facts.
type Entry struct {
	ID               string  `json:"id"`
	Context          string  `json:"context"`
	Pattern          string  `json:"pattern"`
	Confidence       float64 `json:"confidence"`
	Occurrences      int     `json:"occurrences"`
	SourceGeneration int     `json:"source_generation"`
	SourceAgent      string  `json:"source_agent,omitempty"`
	Evidence         string  `json:"evidence,omitempty"`
	Impact           string  `json:"impact,omitempty"`
	Category         string  `json:"category,omitempty"`
	AddedAt          string  `json:"added_at"`
	LastSeen         string  `json:"last_seen,omitempty"`
}

// Caps bound each category; excess entries with the lowest confidence
// are evicted first.
type Caps struct {
	SuccessPatterns int
	AntiPatterns    int
	DomainFacts     int
}

// DefaultCaps matches the shipped configuration.
func DefaultCaps() Caps {
	return Caps{SuccessPatterns: 50, AntiPatterns: 25, DomainFacts: 100}
}

type document struct {
	Version         string   `json:"version"`
	UpdatedAt       string   `json:"updated_at"`
	SuccessPatterns []*Entry `json:"success_patterns"`
	AntiPatterns    []*Entry `json:"anti_patterns"`
	DomainFacts     []*Entry `json:"domain_facts"`
}

// Store is the file-backed knowledge store. Mutating methods persist
// immediately so concurrent generations see each other's learnings.
type Store struct {
	path string
	caps Caps

	mu  sync.Mutex
	doc document
}

// Open loads the store at path, starting empty if the file is missing.
func Open(path string, caps Caps) (*Store, error) {
	s := &Store{path: path, caps: caps}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = document{Version: "1.0"}
			return s, nil
		}
		return nil, fmt.Errorf("read knowledge store: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse knowledge store: %w", err)
	}
	return s, nil
}

// EntryID derives the stable id for a context/pattern pair.
func EntryID(context, pattern string) string {
	sum := md5.Sum([]byte(context + ":" + pattern))
	return hex.EncodeToString(sum[:])[:8]
}

// AddOptions tunes a new entry.
type AddOptions struct {
	Confidence       float64 // defaults to 0.75 when zero
	SourceGeneration int
	SourceAgent      string
	Evidence         string // success patterns only
	Impact           string // anti-patterns only
	Category         string // domain facts; defaults to the context
}

// Add records a learning. A pattern that is a case-insensitive
// substring of an existing entry in the same category and context (or
// vice versa) reinforces that entry instead of duplicating it. The
// second return reports whether an existing entry was reinforced.
func (s *Store) Add(kind, context, pattern string, opts AddOptions) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, cap_, err := s.category(kind)
	if err != nil {
		return nil, false, err
	}

	lower := strings.ToLower(pattern)
	for _, e := range *list {
		if !strings.EqualFold(e.Context, context) {
			continue
		}
		existing := strings.ToLower(e.Pattern)
		if strings.Contains(existing, lower) || strings.Contains(lower, existing) {
			e.Occurrences++
			if e.Occurrences >= promoteAfter {
				e.Confidence = min(1.0, e.Confidence+promoteStep)
			}
			if opts.SourceGeneration > e.SourceGeneration {
				e.SourceGeneration = opts.SourceGeneration
			}
			e.LastSeen = timestamp()
			return e, true, s.save()
		}
	}

	conf := opts.Confidence
	if conf == 0 {
		conf = defaultConfidence
	}
	now := timestamp()
	entry := &Entry{
		ID:               EntryID(context, pattern),
		Context:          context,
		Pattern:          pattern,
		Confidence:       conf,
		Occurrences:      1,
		SourceGeneration: opts.SourceGeneration,
		SourceAgent:      opts.SourceAgent,
		AddedAt:          now,
		LastSeen:         now,
	}
	switch kind {
	case KindSuccess:
		entry.Evidence = opts.Evidence
		if entry.Evidence == "" {
			entry.Evidence = "Observed to work well"
		}
	case KindAnti:
		entry.Impact = opts.Impact
		if entry.Impact == "" {
			entry.Impact = "Caused issues"
		}
	case KindDomain:
		entry.Category = opts.Category
		if entry.Category == "" {
			entry.Category = context
		}
	}
	*list = append(*list, entry)
	s.enforceCap(list, cap_)
	return entry, false, s.save()
}

// Decay ages out stale low-evidence patterns: any success or anti
// entry two or more generations behind currentGen with at most one
// occurrence loses a step of confidence, floored. Domain facts do not
// decay. Returns how many entries were touched.
func (s *Store) Decay(currentGen int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	decayed := 0
	for _, list := range []*[]*Entry{&s.doc.SuccessPatterns, &s.doc.AntiPatterns} {
		for _, e := range *list {
			if currentGen-e.SourceGeneration >= decayGenerationLag && e.Occurrences <= 1 && e.Confidence > decayFloor {
				e.Confidence = max(decayFloor, e.Confidence-decayStep)
				decayed++
			}
		}
	}
	if decayed == 0 {
		return 0, nil
	}
	return decayed, s.save()
}

// Prune drops entries below minConfidence and, when maxAgeDays > 0,
// entries not seen within that many days. Returns removal counts per
// kind.
func (s *Store) Prune(minConfidence float64, maxAgeDays int) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cutoff time.Time
	if maxAgeDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	}
	removed := map[string]int{KindSuccess: 0, KindAnti: 0, KindDomain: 0}
	for kind, list := range map[string]*[]*Entry{
		KindSuccess: &s.doc.SuccessPatterns,
		KindAnti:    &s.doc.AntiPatterns,
		KindDomain:  &s.doc.DomainFacts,
	} {
		kept := (*list)[:0]
		for _, e := range *list {
			if e.Confidence < minConfidence || lastSeenBefore(e, cutoff) {
				removed[kind]++
				continue
			}
			kept = append(kept, e)
		}
		*list = kept
	}
	if removed[KindSuccess]+removed[KindAnti]+removed[KindDomain] == 0 {
		return removed, nil
	}
	return removed, s.save()
}

func lastSeenBefore(e *Entry, cutoff time.Time) bool {
	if cutoff.IsZero() {
		return false
	}
	seen := e.LastSeen
	if seen == "" {
		seen = e.AddedAt
	}
	t, err := time.Parse("2006-01-02T15:04:05Z", seen)
	if err != nil {
		return false
	}
	return t.Before(cutoff)
}

// QueryOptions filters Query results.
type QueryOptions struct {
	Kind          string // empty matches all kinds
	Context       string // case-insensitive substring match
	MinConfidence float64
	Limit         int // 0 means no limit
}

// Query returns matching entries sorted by confidence, highest first.
func (s *Store) Query(opts QueryOptions) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for kind, list := range map[string]*[]*Entry{
		KindSuccess: &s.doc.SuccessPatterns,
		KindAnti:    &s.doc.AntiPatterns,
		KindDomain:  &s.doc.DomainFacts,
	} {
		if opts.Kind != "" && opts.Kind != kind {
			continue
		}
		for _, e := range *list {
			if e.Confidence < opts.MinConfidence {
				continue
			}
			if opts.Context != "" && !strings.Contains(strings.ToLower(e.Context), strings.ToLower(opts.Context)) {
				continue
			}
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// Snapshot is a read-only view of the store contents.
type Snapshot struct {
	SuccessPatterns []Entry `json:"success_patterns"`
	AntiPatterns    []Entry `json:"anti_patterns"`
	DomainFacts     []Entry `json:"domain_facts"`
}

// Export returns the top-k entries of each category by confidence, for
// embedding into transfer documents. k <= 0 exports everything.
func (s *Store) Export(k int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SuccessPatterns: topK(s.doc.SuccessPatterns, k),
		AntiPatterns:    topK(s.doc.AntiPatterns, k),
		DomainFacts:     topK(s.doc.DomainFacts, k),
	}
}

// Stats summarizes the store for status output.
type Stats struct {
	SuccessPatterns int     `json:"success_patterns"`
	AntiPatterns    int     `json:"anti_patterns"`
	DomainFacts     int     `json:"domain_facts"`
	Total           int     `json:"total"`
	AvgConfidence   float64 `json:"avg_confidence"`
}

// Summary computes entry counts and mean confidence.
func (s *Store) Summary() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		SuccessPatterns: len(s.doc.SuccessPatterns),
		AntiPatterns:    len(s.doc.AntiPatterns),
		DomainFacts:     len(s.doc.DomainFacts),
	}
	st.Total = st.SuccessPatterns + st.AntiPatterns + st.DomainFacts
	if st.Total == 0 {
		return st
	}
	sum := 0.0
	for _, list := range s.lists() {
		for _, e := range *list {
			sum += e.Confidence
		}
	}
	st.AvgConfidence = sum / float64(st.Total)
	return st
}

func (s *Store) category(kind string) (*[]*Entry, int, error) {
	switch kind {
	case KindSuccess:
		return &s.doc.SuccessPatterns, s.caps.SuccessPatterns, nil
	case KindAnti:
		return &s.doc.AntiPatterns, s.caps.AntiPatterns, nil
	case KindDomain:
		return &s.doc.DomainFacts, s.caps.DomainFacts, nil
	default:
		return nil, 0, fmt.Errorf("unknown knowledge kind %q", kind)
	}
}

func (s *Store) lists() []*[]*Entry {
	return []*[]*Entry{&s.doc.SuccessPatterns, &s.doc.AntiPatterns, &s.doc.DomainFacts}
}

func (s *Store) enforceCap(list *[]*Entry, cap_ int) {
	if cap_ <= 0 || len(*list) <= cap_ {
		return
	}
	sort.SliceStable(*list, func(i, j int) bool { return (*list)[i].Confidence > (*list)[j].Confidence })
	*list = (*list)[:cap_]
}

func (s *Store) save() error {
	s.doc.UpdatedAt = timestamp()
	if s.doc.Version == "" {
		s.doc.Version = "1.0"
	}
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal knowledge store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create knowledge dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write knowledge store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func topK(list []*Entry, k int) []Entry {
	sorted := make([]Entry, len(list))
	for i, e := range list {
		sorted[i] = *e
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })
	if k > 0 && len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}
