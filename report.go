package pumpz

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// UnitRef names one unit.
type UnitRef struct {
	Kind UnitKind
	ID   int
}

// String returns e.g. "producer 2".
func (r UnitRef) String() string {
	return fmt.Sprintf("%s %d", r.Kind, r.ID)
}

// Report summarizes a run. Snapshot returns a live one; Shutdown returns
// the final one.
type Report struct {
	StartedAt            time.Time
	RunID                string
	Failures             []error
	ForceTerminated      []UnitRef
	Duration             time.Duration
	UnitsStarted         int
	UnitsStopped         int
	UnitsFailed          int
	UnitsForceTerminated int
	Produced             int64
	Consumed             int64
	Dropped              int64
	Malformed            int64
	Abandoned            int64
	Undelivered          int64
	LeakedPermits        int
}

// Err joins the errors of every failed unit. It is nil after a clean run.
func (r Report) Err() error {
	return errors.Join(r.Failures...)
}

// Clean reports whether every unit stopped on its own and no permit leaked.
func (r Report) Clean() bool {
	return r.UnitsFailed == 0 && r.UnitsForceTerminated == 0 && r.LeakedPermits == 0
}

// String renders the report for humans.
func (r Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run %s (%s)\n", r.RunID, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&sb, "  units:   started=%d stopped=%d failed=%d force-terminated=%d\n",
		r.UnitsStarted, r.UnitsStopped, r.UnitsFailed, r.UnitsForceTerminated)
	fmt.Fprintf(&sb, "  batches: produced=%d consumed=%d dropped=%d malformed=%d abandoned=%d undelivered=%d\n",
		r.Produced, r.Consumed, r.Dropped, r.Malformed, r.Abandoned, r.Undelivered)
	fmt.Fprintf(&sb, "  leaked permits: %d\n", r.LeakedPermits)
	for _, u := range r.ForceTerminated {
		fmt.Fprintf(&sb, "  force-terminated: %s\n", u)
	}
	for _, err := range r.Failures {
		fmt.Fprintf(&sb, "  failure: %v\n", err)
	}
	return sb.String()
}

// stats are the counters units update while running.
type stats struct {
	produced  atomic.Int64
	consumed  atomic.Int64
	dropped   atomic.Int64
	malformed atomic.Int64
	abandoned atomic.Int64
}

// fill reads produced last: every batch is counted as produced before it
// can be received, so a live Report never shows Consumed > Produced.
func (s *stats) fill(r *Report) {
	r.Consumed = s.consumed.Load()
	r.Dropped = s.dropped.Load()
	r.Malformed = s.malformed.Load()
	r.Abandoned = s.abandoned.Load()
	r.Produced = s.produced.Load()
}
