package monitor

import (
	"context"
	"time"

	"portwatch/internal/storage"
)

// Store is the persistence surface the monitoring core needs.
type Store interface {
	ListActive(ctx context.Context) ([]storage.Endpoint, error)
	GetEndpoint(ctx context.Context, id int64) (storage.Endpoint, error)
	RecordCheck(ctx context.Context, id int64, available bool, latency time.Duration, errText string) (storage.Endpoint, error)
	SetNotificationSent(ctx context.Context, id int64, sent bool) error
	ResetStats(ctx context.Context, id int64) error
	RemoveEndpoint(ctx context.Context, id int64) error
	ToggleEndpoint(ctx context.Context, id int64) (bool, error)
}

type SubscriberSource interface {
	Subscribers(ctx context.Context) ([]int64, error)
}

type Sender interface {
	SendHTML(ctx context.Context, chatID int64, text string) error
}

// Broadcaster delivers one alert text to every subscriber.
type Broadcaster interface {
	NotifyAll(ctx context.Context, text string) error
}

// State is the derived health state of an endpoint.
type State int

const (
	Healthy State = iota
	SuspectDown
	ConfirmedDown
	ConfirmingRecovery
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case SuspectDown:
		return "suspect_down"
	case ConfirmedDown:
		return "confirmed_down"
	case ConfirmingRecovery:
		return "confirming_recovery"
	default:
		return "unknown"
	}
}

// StateOf derives the state from persisted fields alone. ConfirmingRecovery
// only exists while a confirmation runs, so it is reported by Tracker.State.
func StateOf(ep storage.Endpoint) State {
	switch {
	case ep.NotificationSent:
		return ConfirmedDown
	case ep.ConsecutiveFailures > 0:
		return SuspectDown
	default:
		return Healthy
	}
}

// Outcome reports what a single observation led to.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeDownAlerted
	OutcomeDownAborted
	OutcomeRecovered
	OutcomeRecoveryAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownAlerted:
		return "down_alerted"
	case OutcomeDownAborted:
		return "down_aborted"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeRecoveryAborted:
		return "recovery_aborted"
	default:
		return "none"
	}
}

// CycleStats summarizes one pass over the active endpoints.
type CycleStats struct {
	Checked int
	Failed  int
	// Failing counts endpoints whose streak is at or above the fail
	// threshold after the cycle.
	Failing int
	Alerts  int
}
