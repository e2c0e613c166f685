// Package metrics derives workflow statistics by replaying the history log.
// It keeps no state of its own between calls.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/BrendanShields/spec-flow/internal/history"
	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// maxReplay bounds how many recent entries Calculate looks at.
const maxReplay = 1000

// topIssues is how many repair issue types are reported.
const topIssues = 5

// Source is the read side of the history log.
type Source interface {
	Recent(limit int) ([]history.Entry, error)
	InRange(start, end time.Time) ([]history.Entry, error)
}

// Period is a velocity window.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Days returns the window length. Unknown periods count as a week.
func (p Period) Days() int {
	switch p {
	case PeriodDay:
		return 1
	case PeriodMonth:
		return 30
	default:
		return 7
	}
}

// ParsePeriod accepts day, week or month; "" is week.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "":
		return PeriodWeek, nil
	case PeriodDay, PeriodWeek, PeriodMonth:
		return Period(s), nil
	}
	return "", fmt.Errorf("unknown period %q (want day, week or month)", s)
}

// ─── Result types ────────────────────────────────────────────────────────────

// PhaseStat is the occurrence count and mean time spent in one phase.
type PhaseStat struct {
	Phase           workflow.Phase `json:"phase"`
	Count           int            `json:"count"`
	AverageDuration float64        `json:"averageDuration"` // hours
}

// FeatureStats counts features seen in history.
type FeatureStats struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	InProgress     int `json:"inProgress"`
	CompletionRate int `json:"completionRate"` // percent
}

// TaskStats reports peak task counters.
type TaskStats struct {
	Completed              int     `json:"completed"`
	Total                  int     `json:"total"`
	CompletionRate         int     `json:"completionRate"` // percent
	AverageTasksPerFeature float64 `json:"averageTasksPerFeature"`
}

// IssueCount is one repaired issue type and how often it was fixed.
type IssueCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// HourActivity is the number of changes recorded in one hour of the day.
type HourActivity struct {
	Hour        int `json:"hour"`
	ChangeCount int `json:"changeCount"`
}

// SessionMetrics is the full replay summary.
type SessionMetrics struct {
	TotalDuration         float64        `json:"totalDuration"` // hours
	TotalChanges          int            `json:"totalChanges"`
	VelocityChangesPerDay float64        `json:"velocityChangesPerDay"`
	PhaseStats            []PhaseStat    `json:"phaseStats"`
	Features              FeatureStats   `json:"features"`
	Tasks                 TaskStats      `json:"tasks"`
	Issues                []IssueCount   `json:"issues"`
	ActivityPatterns      []HourActivity `json:"activityPatterns"`
}

// Velocity summarises throughput within a period.
type Velocity struct {
	Period             Period  `json:"period"`
	FeaturesCompleted  int     `json:"featuresCompleted"`
	TasksCompleted     int     `json:"tasksCompleted"`
	PhasesTransitioned int     `json:"phasesTransitioned"`
	AverageFeatureTime float64 `json:"averageFeatureTime"` // hours
	AverageTaskTime    float64 `json:"averageTaskTime"`    // hours
}

// ─── Aggregator ──────────────────────────────────────────────────────────────

// Aggregator computes metrics over a Source.
type Aggregator struct {
	src Source
	now func() time.Time
	loc *time.Location
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides time.Now for velocity windows.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLocation sets the zone used for hour-of-day buckets. Default is local.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) { a.loc = loc }
}

// New creates an Aggregator.
func New(src Source, opts ...Option) *Aggregator {
	a := &Aggregator{src: src, now: time.Now, loc: time.Local}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Calculate replays up to 1000 recent entries.
func (a *Aggregator) Calculate() (SessionMetrics, error) {
	entries, err := a.src.Recent(maxReplay)
	if err != nil {
		return SessionMetrics{}, fmt.Errorf("reading history: %w", err)
	}
	if len(entries) == 0 {
		return empty(), nil
	}

	stats := history.ComputeStatistics(entries)
	return SessionMetrics{
		TotalDuration:         totalDuration(entries),
		TotalChanges:          len(entries),
		VelocityChangesPerDay: stats.AverageChangesPerDay,
		PhaseStats:            phaseStats(entries),
		Features:              featureStats(entries),
		Tasks:                 taskStats(entries),
		Issues:                issueStats(entries),
		ActivityPatterns:      activity(entries, a.loc),
	}, nil
}

// Velocity reports throughput over the last day, week or month.
func (a *Aggregator) Velocity(period Period) (Velocity, error) {
	end := a.now()
	start := end.Add(-time.Duration(period.Days()) * 24 * time.Hour)

	entries, err := a.src.InRange(start, end)
	if err != nil {
		return Velocity{}, fmt.Errorf("reading history: %w", err)
	}

	v := Velocity{Period: period}
	var featureTimes []time.Duration
	var taskTime time.Duration
	var lastTaskProgress time.Time

	for _, e := range entries {
		ts := e.Time()

		if e.Type == history.TypeTransition {
			v.PhasesTransitioned++
			if e.After != nil && e.After.CurrentPhase() == workflow.PhaseComplete {
				v.FeaturesCompleted++
				if e.After.Started != nil {
					if started, err := workflow.ParseTimestamp(*e.After.Started); err == nil {
						featureTimes = append(featureTimes, ts.Sub(started))
					}
				}
			}
		}

		if containsField(e.ChangedFields, "tasksComplete") {
			before := tasksComplete(e.Before)
			after := tasksComplete(e.After)
			if after > before {
				done := after - before
				v.TasksCompleted += done
				// Time per task is the gap since the previous increase,
				// spread over the tasks completed in this step.
				if !lastTaskProgress.IsZero() && ts.After(lastTaskProgress) {
					taskTime += ts.Sub(lastTaskProgress)
				}
				lastTaskProgress = ts
			}
		}
	}

	if len(featureTimes) > 0 {
		var total time.Duration
		for _, d := range featureTimes {
			total += d
		}
		v.AverageFeatureTime = history.Round1(total.Hours() / float64(len(featureTimes)))
	}
	if v.TasksCompleted > 0 {
		v.AverageTaskTime = history.Round1(taskTime.Hours() / float64(v.TasksCompleted))
	}
	return v, nil
}

// ─── Derivations ─────────────────────────────────────────────────────────────

func empty() SessionMetrics {
	return SessionMetrics{
		PhaseStats:       []PhaseStat{},
		Issues:           []IssueCount{},
		ActivityPatterns: []HourActivity{},
	}
}

func totalDuration(entries []history.Entry) float64 {
	first, last := entries[0].Time(), entries[len(entries)-1].Time()
	return history.Round1(last.Sub(first).Hours())
}

// phaseStats counts non-none phases and, whenever the phase changes, credits
// the time since the previous phase's last entry to that previous phase.
func phaseStats(entries []history.Entry) []PhaseStat {
	type acc struct {
		count     int
		durations []time.Duration
	}
	var order []workflow.Phase
	byPhase := map[workflow.Phase]*acc{}

	var lastPhase workflow.Phase
	var lastTime time.Time

	for _, e := range entries {
		if e.After == nil || e.After.Phase == nil {
			continue
		}
		phase := *e.After.Phase
		if phase == "" || phase == workflow.PhaseNone {
			continue
		}
		a, ok := byPhase[phase]
		if !ok {
			a = &acc{}
			byPhase[phase] = a
			order = append(order, phase)
		}
		a.count++

		ts := e.Time()
		if lastPhase != "" && lastPhase != phase && !lastTime.IsZero() {
			prev := byPhase[lastPhase]
			prev.durations = append(prev.durations, ts.Sub(lastTime))
		}
		lastPhase = phase
		lastTime = ts
	}

	out := make([]PhaseStat, 0, len(order))
	for _, p := range order {
		a := byPhase[p]
		stat := PhaseStat{Phase: p, Count: a.count}
		if len(a.durations) > 0 {
			var total time.Duration
			for _, d := range a.durations {
				total += d
			}
			stat.AverageDuration = history.Round1(total.Hours() / float64(len(a.durations)))
		}
		out = append(out, stat)
	}
	return out
}

func featureStats(entries []history.Entry) FeatureStats {
	seen := map[string]bool{}
	completed := map[string]bool{}
	current := ""

	for _, e := range entries {
		if e.After == nil {
			continue
		}
		f := e.After.FeatureID()
		if f == "" {
			continue
		}
		seen[f] = true
		current = f
		if e.After.CurrentPhase() == workflow.PhaseComplete {
			completed[f] = true
		}
	}

	fs := FeatureStats{Total: len(seen), Completed: len(completed)}
	if current != "" && !completed[current] {
		fs.InProgress = 1
	}
	if fs.Total > 0 {
		fs.CompletionRate = percent(fs.Completed, fs.Total)
	}
	return fs
}

func taskStats(entries []history.Entry) TaskStats {
	var maxComplete, maxTotal int
	var totals []int

	for _, e := range entries {
		if e.After == nil {
			continue
		}
		complete, total := e.After.TaskCounts()
		if complete > maxComplete {
			maxComplete = complete
		}
		if total > maxTotal {
			maxTotal = total
			totals = append(totals, total)
		}
	}

	ts := TaskStats{Completed: maxComplete, Total: maxTotal}
	if maxTotal > 0 {
		ts.CompletionRate = percent(maxComplete, maxTotal)
	}
	if len(totals) > 0 {
		sum := 0
		for _, n := range totals {
			sum += n
		}
		ts.AverageTasksPerFeature = history.Round1(float64(sum) / float64(len(totals)))
	}
	return ts
}

func issueStats(entries []history.Entry) []IssueCount {
	counts := map[string]int{}
	for _, e := range entries {
		if e.Type != history.TypeRepair || e.Metadata == nil {
			continue
		}
		for _, r := range history.StringList(e.Metadata["repairs"]) {
			counts[r]++
		}
	}

	out := make([]IssueCount, 0, len(counts))
	for t, c := range counts {
		out = append(out, IssueCount{Type: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	if len(out) > topIssues {
		out = out[:topIssues]
	}
	return out
}

func activity(entries []history.Entry, loc *time.Location) []HourActivity {
	counts := map[int]int{}
	for _, e := range entries {
		ts := e.Time()
		if ts.IsZero() {
			continue
		}
		counts[ts.In(loc).Hour()]++
	}
	out := make([]HourActivity, 0, len(counts))
	for h, c := range counts {
		out = append(out, HourActivity{Hour: h, ChangeCount: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out
}

func percent(n, d int) int {
	return int(math.Round(float64(n) / float64(d) * 100))
}

func tasksComplete(s *workflow.SessionState) int {
	if s == nil {
		return 0
	}
	c, _ := s.TaskCounts()
	return c
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}
