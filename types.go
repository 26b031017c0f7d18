package querygate

import "time"

// Identity is the stable key a caller is charged under (e.g. a normalized email).
// An empty Identity skips quota enforcement.
type Identity string

// QueryKind distinguishes where a query originated.
type QueryKind string

const (
	QuerySQLLab QueryKind = "sqllab"
	QueryChart  QueryKind = "chart"
)

// Query describes a unit of work to be admitted.
type Query struct {
	Kind       QueryKind         `json:"kind"`
	Datasource string            `json:"datasource"`
	SQL        string            `json:"sql"`
	Params     map[string]string `json:"params,omitempty"`
}

// Request is a single admission request.
type Request struct {
	ID       string
	Identity Identity
	Query    Query
	// Force waives the cache read. It never waives admission or dispatch.
	Force bool
}

// CacheEntry is a cached result artifact.
type CacheEntry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Artifact    []byte      `json:"artifact"`
	StoredAt    time.Time   `json:"stored_at"`
}

// JobState is the lifecycle state of a dispatched job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobExpired   JobState = "expired"
)

// Terminal reports whether no further transitions can happen.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobExpired
}

// Job is the record an execution backend keeps for an admitted query.
type Job struct {
	Token         string      `json:"token"`
	RequestID     string      `json:"request_id"`
	Identity      Identity    `json:"identity"`
	Query         Query       `json:"query"`
	Fingerprint   Fingerprint `json:"fingerprint"`
	Cost          int64       `json:"cost"`
	ReservationID string      `json:"reservation_id,omitempty"`
	State         JobState    `json:"state"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Outcome is the caller-facing result of an admission request.
type Outcome string

const (
	OutcomeServedFromCache Outcome = "served_from_cache"
	OutcomeAdmitted        Outcome = "admitted"
	OutcomeRejected        Outcome = "rejected"
	OutcomeDispatchFailed  Outcome = "dispatch_failed"
	OutcomeUnavailable     Outcome = "unavailable"
)

// Decision is returned by Coordinator.Admit.
type Decision struct {
	RequestID   string
	Outcome     Outcome
	Fingerprint Fingerprint

	// Cached is set when Outcome is OutcomeServedFromCache.
	Cached *CacheEntry

	// Job is set when Outcome is OutcomeAdmitted.
	Job JobHandle

	// Cost is the estimated cost; zero for cache hits.
	Cost int64
}
