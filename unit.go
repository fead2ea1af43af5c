package pumpz

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/hookz"
)

// UnitKind distinguishes producers from consumers.
type UnitKind int

const (
	// KindProducer generates batches.
	KindProducer UnitKind = iota
	// KindConsumer processes batches.
	KindConsumer
)

// String returns the kind name.
func (k UnitKind) String() string {
	switch k {
	case KindProducer:
		return "producer"
	case KindConsumer:
		return "consumer"
	default:
		return fmt.Sprintf("UnitKind(%d)", int(k))
	}
}

// State is a unit's position in its loop.
//
// Producers cycle Idle → Generating → Acquiring → Sending → Idle.
// Consumers cycle Idle → Acquiring → Receiving → Processing → Idle.
// Stopped is terminal for both.
type State int32

const (
	StateIdle State = iota
	StateGenerating
	StateAcquiring
	StateSending
	StateReceiving
	StateProcessing
	StateStopped
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateGenerating: "generating",
	StateAcquiring:  "acquiring",
	StateSending:    "sending",
	StateReceiving:  "receiving",
	StateProcessing: "processing",
	StateStopped:    "stopped",
}

// String returns the state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Hook event keys.
const (
	EventUnitStarted         = hookz.Key("unit.started")
	EventUnitStopped         = hookz.Key("unit.stopped")
	EventUnitFailed          = hookz.Key("unit.failed")
	EventUnitForceTerminated = hookz.Key("unit.force_terminated")
	EventBatchDropped        = hookz.Key("batch.dropped")
	EventRecordMalformed     = hookz.Key("record.malformed")
)

// UnitEvent is emitted via hookz on unit lifecycle changes and on dropped
// or malformed batches.
type UnitEvent struct {
	Timestamp time.Time
	Err       error
	Batch     Batch
	Kind      UnitKind
	State     State
	UnitID    int
}

// unit holds the state shared by producers and consumers.
type unit struct {
	done    chan struct{}
	err     error
	kind    UnitKind
	id      int
	state   atomic.Int32
	errOnce sync.Once
}

func newUnit(kind UnitKind, id int) *unit {
	return &unit{kind: kind, id: id, done: make(chan struct{})}
}

// State returns the current state.
func (u *unit) State() State {
	return State(u.state.Load())
}

func (u *unit) set(s State) {
	u.state.Store(int32(s))
}

// fail records the first fatal error. It must be called before stop.
func (u *unit) fail(err error) {
	u.errOnce.Do(func() { u.err = err })
}

// stop moves the unit to Stopped and releases Wait.
func (u *unit) stop() {
	u.set(StateStopped)
	close(u.done)
}

// Err returns the error that stopped the unit, nil after a clean stop.
// Valid once done is closed.
func (u *unit) Err() error {
	return u.err
}
