package policy

import (
	"time"

	"github.com/technosupport/esimd/internal/onc"
)

// FailureReason classifies a failed install attempt for retry accounting.
type FailureReason int

const (
	// ReasonInternalError is retried without limit.
	ReasonInternalError FailureReason = iota
	ReasonMissingNonCellularConnectivity
	ReasonOther
	// ReasonUserError is never retried.
	ReasonUserError
)

func (r FailureReason) String() string {
	switch r {
	case ReasonInternalError:
		return "internal_error"
	case ReasonMissingNonCellularConnectivity:
		return "missing_non_cellular_connectivity"
	case ReasonOther:
		return "other"
	case ReasonUserError:
		return "user_error"
	default:
		return "unknown"
	}
}

// Countable reports whether a failure uses up one of the request's retries.
func (r FailureReason) Countable() bool {
	return r == ReasonMissingNonCellularConnectivity || r == ReasonOther
}

type RequestState string

const (
	StateQueued                RequestState = "queued"
	StateWaitingForDevice      RequestState = "waiting_for_device"
	StateWaitingForEuicc       RequestState = "waiting_for_euicc"
	StateRefreshingProfileList RequestState = "refreshing_profile_list"
	StateInstalling            RequestState = "installing"
	StateWaitingForRetry       RequestState = "waiting_for_retry"
)

// Request is one policy install job.
type Request struct {
	ID             string
	ActivationCode onc.ActivationCode
	Network        onc.CellularNetwork
	QueuedAt       time.Time

	state      RequestState
	backoff    *Backoff
	attempts   int
	countable  int
	lastReason FailureReason
	failed     bool
}

// RequestInfo is a read-only view of a request for diagnostics.
type RequestInfo struct {
	ID             string       `json:"id"`
	GUID           string       `json:"guid"`
	ActivationCode string       `json:"activation_code"`
	State          RequestState `json:"state"`
	Attempts       int          `json:"attempts"`
	Failures       int          `json:"failures"`
	LastFailure    string       `json:"last_failure,omitempty"`
	NextAttempt    *time.Time   `json:"next_attempt,omitempty"`
	QueuedAt       time.Time    `json:"queued_at"`
}

func (r *Request) info() RequestInfo {
	ri := RequestInfo{
		ID:             r.ID,
		GUID:           r.Network.GUID,
		ActivationCode: r.ActivationCode.String(),
		State:          r.state,
		Attempts:       r.attempts,
		Failures:       r.countable,
		QueuedAt:       r.QueuedAt,
	}
	if r.failed {
		ri.LastFailure = r.lastReason.String()
	}
	if r.state == StateWaitingForRetry {
		t := r.backoff.ReleaseTime()
		ri.NextAttempt = &t
	}
	return ri
}
