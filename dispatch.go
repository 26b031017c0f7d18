package querygate

import "context"

// Dispatcher hands admitted queries to an asynchronous execution backend.
type Dispatcher interface {
	// Name identifies the backend in errors and events.
	Name() string

	// Submit enqueues the job. A backend that cannot take new work returns
	// an error; the coordinator treats any error as a rejection.
	Submit(ctx context.Context, sub Submission) (JobHandle, error)
}

// Submission carries everything the execution side needs about a request.
// It replaces any ambient per-request state: identity and cost travel with
// the job.
type Submission struct {
	RequestID     string
	Identity      Identity
	Query         Query
	Fingerprint   Fingerprint
	Cost          int64
	ReservationID string
}

// JobHandle is returned to the caller on admission.
type JobHandle struct {
	Token string
	// Updates streams state changes when the backend can push them.
	// It is nil for backends that only support polling.
	Updates <-chan JobState
}
