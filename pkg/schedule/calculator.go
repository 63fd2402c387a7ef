package schedule

import (
	"sync"
	"time"

	"github.com/whaletrack-dev/api/pkg/runs"
)

// AnchorNone is the anchor sentinel used before any run exists
const AnchorNone = "none"

// JobConfig is the scheduling configuration for one job type
type JobConfig struct {
	Enabled         bool
	IntervalMinutes int
}

// State memoizes the last computed schedule for one job type. As long as
// the anchor run and interval are unchanged, recomputation returns the
// stored time exactly, so the schedule cannot jitter forward on every poll.
type State struct {
	AnchorID  string
	Interval  int
	Scheduled time.Time
}

// Calculator derives the next execution time for recurring jobs
type Calculator struct {
	mu     sync.Mutex
	states map[string]*State
	now    func() time.Time
}

// NewCalculator creates a schedule calculator
func NewCalculator() *Calculator {
	return &Calculator{
		states: make(map[string]*State),
		now:    time.Now,
	}
}

// ComputeNext returns the next scheduled execution time for jobType, or
// false when the job is disabled or has no interval.
//
// The anchor is the most recent completed run's completion time, else the
// most recent running run's start time, else "now" captured exactly once
// per (sentinel, interval) pair. Results are memoized per (anchor,
// interval): repeated calls with an unchanged run list and interval return
// the identical timestamp.
func (c *Calculator) ComputeNext(jobType string, cfg JobConfig, recent []runs.RunRecord) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !cfg.Enabled || cfg.IntervalMinutes <= 0 {
		delete(c.states, jobType)
		return time.Time{}, false
	}

	anchorID, anchorTime, haveAnchor := findAnchor(jobType, recent)

	if st, ok := c.states[jobType]; ok {
		if st.AnchorID == anchorID && st.Interval == cfg.IntervalMinutes {
			return st.Scheduled, true
		}
	}

	if !haveAnchor {
		// First sighting of this sentinel+interval pair: capture now once
		anchorTime = c.now()
	}

	next := anchorTime.Add(time.Duration(cfg.IntervalMinutes) * time.Minute)
	c.states[jobType] = &State{
		AnchorID:  anchorID,
		Interval:  cfg.IntervalMinutes,
		Scheduled: next,
	}
	return next, true
}

// findAnchor picks the run the schedule is anchored on: the most recent
// completed run, else the most recent running run, else the sentinel.
func findAnchor(jobType string, recent []runs.RunRecord) (string, time.Time, bool) {
	var (
		anchorID   string
		anchorTime time.Time
		found      bool
	)

	for _, r := range recent {
		if r.JobType != jobType || r.Status != runs.StatusCompleted || r.CompletedAt == nil {
			continue
		}
		if !found || r.CompletedAt.After(anchorTime) {
			anchorID = r.ID
			anchorTime = *r.CompletedAt
			found = true
		}
	}
	if found {
		return anchorID, anchorTime, true
	}

	for _, r := range recent {
		if r.JobType != jobType || r.Status != runs.StatusRunning {
			continue
		}
		if !found || r.StartedAt.After(anchorTime) {
			anchorID = r.ID
			anchorTime = r.StartedAt
			found = true
		}
	}
	if found {
		return anchorID, anchorTime, true
	}

	return AnchorNone, time.Time{}, false
}
