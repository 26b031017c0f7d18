package querygate

import "time"

// State is a step of the admission state machine.
type State string

const (
	StateStart            State = "start"
	StateCacheCheck       State = "cache_check"
	StateServedFromCache  State = "served_from_cache"
	StateCostEstimation   State = "cost_estimation"
	StateQuotaReservation State = "quota_reservation"
	StateRejected         State = "rejected"
	StateDispatch         State = "dispatch"
	StateDispatchFailed   State = "dispatch_failed"
	StateQuotaReleased    State = "quota_released"
	StateAdmitted         State = "admitted"
	StateUnavailable      State = "unavailable"
)

// Terminal reports whether a request ends in s.
func (s State) Terminal() bool {
	switch s {
	case StateServedFromCache, StateRejected, StateQuotaReleased, StateAdmitted, StateUnavailable:
		return true
	}
	return false
}

// Observer receives admission state transitions. It is a side channel:
// implementations must not block and cannot influence the decision.
type Observer interface {
	OnTransition(event TransitionEvent)
}

// Note annotates a transition with something worth recording that did not
// change the outcome.
type Note string

const (
	NoteNone               Note = ""
	NoteCacheUnavailable   Note = "cache_unavailable"
	NoteEstimationDegraded Note = "estimation_degraded"
	NoteQuotaSkipped       Note = "quota_skipped"
	NoteCommitFailed       Note = "commit_failed"
	NoteReleaseFailed      Note = "release_failed"
	NoteBackendUnhealthy   Note = "backend_unhealthy"
)

// TransitionEvent describes one state change of one request.
type TransitionEvent struct {
	RequestID   string
	Identity    Identity
	Fingerprint Fingerprint
	From        State
	To          State
	Force       bool
	Cost        int64
	Note        Note
	Err         error
	// Elapsed is the time since the request entered the coordinator.
	Elapsed time.Duration
}

// Observers fans events out to several observers.
func Observers(obs ...Observer) Observer {
	return multiObserver(obs)
}

type multiObserver []Observer

func (m multiObserver) OnTransition(e TransitionEvent) {
	for _, o := range m {
		o.OnTransition(e)
	}
}

type noopObserver struct{}

func (noopObserver) OnTransition(TransitionEvent) {}
