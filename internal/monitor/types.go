package monitor

import (
	"context"
	"errors"
	"time"

	"alertwatch/internal/alert"
	"alertwatch/internal/dispatch"
	"alertwatch/internal/storage"
)

var (
	// ErrBudgetExhausted ends Run after too many consecutive failing cycles.
	ErrBudgetExhausted = errors.New("consecutive error budget exhausted")
	ErrAlreadyRunning  = errors.New("monitor already running")
	ErrStopped         = errors.New("monitor stopped")
)

// State is the scheduler lifecycle: Idle -> Running -> Stopped.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AlertStore is the part of the alert database the loops read directly.
type AlertStore interface {
	Subscribers(ctx context.Context) ([]alert.Subscriber, error)
	TotalCount(ctx context.Context, kind alert.Kind) (int64, error)
}

type Directory interface {
	Setting(ctx context.Context, subscriberID string) (alert.NotificationSetting, error)
}

type Detector interface {
	Detect(ctx context.Context, sub alert.Subscriber, kind alert.Kind, trigger alert.Trigger) (alert.Batch, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, b alert.Batch, setting alert.NotificationSetting) dispatch.Result
}

type Cursors interface {
	Advance(ctx context.Context, subscriber string, kind alert.Kind, id string) (stored string, advanced bool, err error)
	Record(ctx context.Context, rec storage.DeliveryRecord) error
}

// Config tunes the loops. Zero values take the defaults noted per field.
type Config struct {
	FastInterval         time.Duration // 30s
	Schedule             string        // slow loop; defaults to CheckInterval
	CheckInterval        time.Duration // 300s
	Workers              int           // 8, clamped to 1..16
	MaxConsecutiveErrors int           // 5
	GracePeriod          time.Duration // 10s
	PopIdle              time.Duration // 1s
	QueueSize            int           // 64
	// SkipInitialCycle delays the first slow cycle to the schedule instead
	// of running one at startup.
	SkipInitialCycle bool
}

func (c Config) withDefaults() Config {
	if c.FastInterval <= 0 {
		c.FastInterval = 30 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 300 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Workers > 16 {
		c.Workers = 16
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 5
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.PopIdle <= 0 {
		c.PopIdle = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// Health is a point-in-time view for /healthz and the watchdog.
type Health struct {
	State             string    `json:"state"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	MaxErrors         int       `json:"max_errors"`
	LastCycleAt       time.Time `json:"last_cycle_at,omitempty"`
	LastSuccessAt     time.Time `json:"last_success_at,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	QueueLen          int       `json:"queue_len"`
	Schedule          string    `json:"schedule"`
}

// Bus event types and payloads.
const (
	EventCycle   = "monitor.cycle"
	EventState   = "monitor.state"
	EventAdvance = "cursor.advanced"
)

type CycleEvent struct {
	Loop        string        `json:"loop"`
	Duration    time.Duration `json:"duration"`
	Class       string        `json:"class"`
	Error       string        `json:"error,omitempty"`
	Consecutive int           `json:"consecutive"`
}

type StateEvent struct {
	State string `json:"state"`
}

type AdvanceEvent struct {
	Subscriber string `json:"subscriber"`
	Kind       string `json:"kind"`
	From       string `json:"from"`
	To         string `json:"to"`
	DispatchID string `json:"dispatch_id"`
}
