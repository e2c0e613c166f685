// Package history keeps an append-only JSONL log of session state changes.
//
// Each line is one Entry. The file is capped at a configurable number of
// entries; the oldest lines are pruned after every append that exceeds it.
// An optional SQLite Index mirrors every entry so long-range queries still
// work once the JSONL file has been pruned.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BrendanShields/spec-flow/internal/logging"
	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// FileName is the history log's name inside the history directory.
const FileName = "state-changes.log"

// DefaultMaxEntries caps the JSONL file when no limit is configured.
const DefaultMaxEntries = 1000

// DefaultRecentLimit is used by Recent when limit <= 0.
const DefaultRecentLimit = 50

// ─── Types ───────────────────────────────────────────────────────────────────

// EntryType classifies a history entry.
type EntryType string

const (
	TypeUpdate     EntryType = "update"
	TypeTransition EntryType = "transition"
	TypeRestore    EntryType = "restore"
	TypeRepair     EntryType = "repair"
)

// Entry is one recorded state change. Before is nil for restores from disk.
type Entry struct {
	Timestamp     string                 `json:"timestamp"`
	Type          EntryType              `json:"type"`
	Before        *workflow.SessionState `json:"before"`
	After         *workflow.SessionState `json:"after"`
	ChangedFields []string               `json:"changedFields"`
	Metadata      map[string]any         `json:"metadata,omitempty"`
}

// Time parses the entry timestamp. Malformed timestamps yield the zero time.
func (e Entry) Time() time.Time {
	t, err := workflow.ParseTimestamp(e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Statistics summarises the log.
type Statistics struct {
	TotalChanges         int            `json:"totalChanges"`
	ByType               map[string]int `json:"byType"`
	ByPhase              map[string]int `json:"byPhase"`
	AverageChangesPerDay float64        `json:"averageChangesPerDay"`
	LastChange           *string        `json:"lastChange"`
}

// ─── Logger ──────────────────────────────────────────────────────────────────

// Logger appends to and queries the history file.
type Logger struct {
	path       string
	maxEntries int
	now        func() time.Time
	log        *slog.Logger
	index      *Index

	mu sync.Mutex
}

// Option configures a Logger.
type Option func(*Logger)

// WithMaxEntries caps the JSONL file. n <= 0 keeps DefaultMaxEntries.
func WithMaxEntries(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.maxEntries = n
		}
	}
}

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithLogger sets the diagnostic logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Logger) { l.log = logging.Scoped(lg, "history") }
}

// WithIndex mirrors every appended entry into idx.
func WithIndex(idx *Index) Option {
	return func(l *Logger) { l.index = idx }
}

// NewLogger creates a Logger writing to <dir>/state-changes.log.
func NewLogger(dir string, opts ...Option) *Logger {
	l := &Logger{
		path:       filepath.Join(dir, FileName),
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		log:        logging.Scoped(nil, "history"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the history file location.
func (l *Logger) Path() string { return l.path }

// Index returns the mirror index, or nil.
func (l *Logger) Index() *Index { return l.index }

// ─── Writing ─────────────────────────────────────────────────────────────────

// LogChange records a change of the given type.
func (l *Logger) LogChange(typ EntryType, before, after *workflow.SessionState, metadata map[string]any) error {
	entry := Entry{
		Timestamp:     workflow.FormatTimestamp(l.now()),
		Type:          typ,
		Before:        cloneState(before),
		After:         cloneState(after),
		ChangedFields: ChangedFields(before, after),
		Metadata:      metadata,
	}
	return l.append(entry)
}

// LogUpdate records a merged session update.
func (l *Logger) LogUpdate(before, after workflow.SessionState, metadata map[string]any) error {
	return l.LogChange(TypeUpdate, &before, &after, metadata)
}

// LogTransition records a phase transition. from and to are added to the
// metadata, overriding any caller values under those keys.
func (l *Logger) LogTransition(from, to workflow.Phase, before, after workflow.SessionState, metadata map[string]any) error {
	meta := mergeMeta(metadata)
	meta["from"] = string(from)
	meta["to"] = string(to)
	return l.LogChange(TypeTransition, &before, &after, meta)
}

// LogRestore records a session restored from disk or a snapshot.
// before may be nil.
func (l *Logger) LogRestore(before *workflow.SessionState, state workflow.SessionState, metadata map[string]any) error {
	return l.LogChange(TypeRestore, before, &state, metadata)
}

// LogRepair records an automatic repair; repairs lists the issue types fixed.
func (l *Logger) LogRepair(before, after workflow.SessionState, repairs []string, metadata map[string]any) error {
	meta := mergeMeta(metadata)
	if repairs == nil {
		repairs = []string{}
	}
	meta["repairs"] = repairs
	return l.LogChange(TypeRepair, &before, &after, meta)
}

func (l *Logger) append(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding history entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening history file: %w", err)
	}
	_, werr := f.Write(append(line, '\n'))
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("appending history entry: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("closing history file: %w", cerr)
	}

	if l.index != nil {
		if err := l.index.Insert(entry); err != nil {
			l.log.Warn("mirroring history entry to index failed", "error", err)
		}
	}

	lines, err := l.readLines()
	if err != nil {
		return err
	}
	if len(lines) > l.maxEntries {
		if _, err := l.pruneLocked(lines, l.maxEntries); err != nil {
			return err
		}
	}
	return nil
}

// ─── Reading ─────────────────────────────────────────────────────────────────

// Recent returns the last limit entries in file order. Malformed lines are
// skipped. limit <= 0 uses DefaultRecentLimit.
func (l *Logger) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	l.mu.Lock()
	lines, err := l.readLines()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			l.log.Warn("skipping malformed history line", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// All returns every entry still held in the JSONL file.
func (l *Logger) All() ([]Entry, error) {
	return l.Recent(l.maxEntries)
}

// ForFeature returns entries whose before or after state names featureID.
func (l *Logger) ForFeature(featureID string) ([]Entry, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if featureOf(e.After) == featureID || featureOf(e.Before) == featureID {
			out = append(out, e)
		}
	}
	return out, nil
}

// InRange returns entries with start <= timestamp <= end. With an index
// attached the query runs there and also covers pruned entries.
func (l *Logger) InRange(start, end time.Time) ([]Entry, error) {
	if l.index != nil {
		entries, err := l.index.InRange(start, end)
		if err == nil {
			return entries, nil
		}
		l.log.Warn("history index range query failed, scanning log", "error", err)
	}
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		t, err := workflow.ParseTimestamp(e.Timestamp)
		if err != nil {
			continue
		}
		if !t.Before(start) && !t.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Statistics aggregates counts over the held entries.
func (l *Logger) Statistics() (Statistics, error) {
	all, err := l.All()
	if err != nil {
		return Statistics{}, err
	}
	return ComputeStatistics(all), nil
}

// ComputeStatistics aggregates counts over entries.
func ComputeStatistics(entries []Entry) Statistics {
	stats := Statistics{
		ByType:  map[string]int{},
		ByPhase: map[string]int{},
	}
	if len(entries) == 0 {
		return stats
	}

	for _, e := range entries {
		stats.ByType[string(e.Type)]++
		if e.After != nil && e.After.Phase != nil && *e.After.Phase != "" {
			stats.ByPhase[string(*e.After.Phase)]++
		}
	}

	n := len(entries)
	first, last := entries[0].Time(), entries[n-1].Time()
	days := last.Sub(first).Hours() / 24
	avg := float64(n)
	if days > 0 {
		avg = float64(n) / days
	}

	stats.TotalChanges = n
	stats.AverageChangesPerDay = Round1(avg)
	lastTS := entries[n-1].Timestamp
	stats.LastChange = &lastTS
	return stats
}

// ─── Pruning ─────────────────────────────────────────────────────────────────

// Prune keeps the last keepLast lines and returns how many were removed.
// keepLast <= 0 uses the configured maximum.
func (l *Logger) Prune(keepLast int) (int, error) {
	if keepLast <= 0 {
		keepLast = l.maxEntries
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	lines, err := l.readLines()
	if err != nil {
		return 0, err
	}
	return l.pruneLocked(lines, keepLast)
}

func (l *Logger) pruneLocked(lines [][]byte, keepLast int) (int, error) {
	if len(lines) <= keepLast {
		return 0, nil
	}
	keep := lines[len(lines)-keepLast:]
	var buf bytes.Buffer
	for _, line := range keep {
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp := l.path + ".prune"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("writing pruned history: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("replacing history file: %w", err)
	}
	removed := len(lines) - len(keep)
	l.log.Debug("pruned history", "removed", removed, "kept", len(keep))
	return removed, nil
}

// readLines returns the non-blank lines of the history file. Callers hold mu.
func (l *Logger) readLines() ([][]byte, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening history file: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, bytes.Clone(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading history file: %w", err)
	}
	return lines, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// ChangedFields returns the sorted top-level keys whose JSON encodings
// differ between before and after. A nil side counts as empty.
func ChangedFields(before, after *workflow.SessionState) []string {
	b, a := before.Fields(), after.Fields()
	keys := map[string]struct{}{}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range a {
		keys[k] = struct{}{}
	}

	changed := []string{}
	for k := range keys {
		if !bytes.Equal(b[k], a[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Round1 rounds to one decimal place, half away from zero.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// StringList reads a []string out of decoded JSON metadata, which arrives
// as []any after a round trip.
func StringList(v any) []string {
	switch vals := v.(type) {
	case []string:
		return slices.Clone(vals)
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func featureOf(s *workflow.SessionState) string {
	if s == nil {
		return ""
	}
	return s.FeatureID()
}

func cloneState(s *workflow.SessionState) *workflow.SessionState {
	if s == nil {
		return nil
	}
	c := s.Clone()
	return &c
}

func mergeMeta(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
