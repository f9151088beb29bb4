package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

var AllStatuses = []Status{StatusPending, StatusReserved, StatusCompleted, StatusFailed}

// Default execution parameters, mirroring the email job contract
// (3 tries, 3 exceptions, 120s timeout).
const (
	DefaultQueue         = "default"
	DefaultMaxAttempts   = 3
	DefaultMaxExceptions = 3
	DefaultTimeout       = 120 * time.Second
)

// Job is a unit of work persisted by the queue store.
//
// Identity (ID, Queue, Name, Payload, Labels) and the execution limits never
// change after Enqueue. Everything else is owned by the store.
type Job struct {
	ID      string            `json:"id"`
	Queue   string            `json:"queue"`
	Name    string            `json:"name"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`

	Attempts      int           `json:"attempts"`
	Exceptions    int           `json:"exceptions"`
	MaxAttempts   int           `json:"max_attempts"`
	MaxExceptions int           `json:"max_exceptions"`
	Timeout       time.Duration `json:"timeout"`

	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	AvailableAt    time.Time  `json:"available_at"`
	ReservedAt     *time.Time `json:"reserved_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LeaseToken     string     `json:"lease_token,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
}

// New builds a pending job with a fresh time-ordered ID and default limits.
func New(queue, name string, payload []byte) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:            NewID(),
		Queue:         queue,
		Name:          name,
		Payload:       payload,
		MaxAttempts:   DefaultMaxAttempts,
		MaxExceptions: DefaultMaxExceptions,
		Timeout:       DefaultTimeout,
		Status:        StatusPending,
		CreatedAt:     now,
		AvailableAt:   now,
	}
}

// NewID returns a UUIDv7 string. Its lexical order follows creation time,
// which the stores rely on as the final FIFO tie-breaker.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewToken returns an opaque lease token.
func NewToken() string { return uuid.NewString() }

// Clone returns a deep copy so callers can't mutate store-owned state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Labels != nil {
		cp.Labels = make(map[string]string, len(j.Labels))
		for k, v := range j.Labels {
			cp.Labels[k] = v
		}
	}
	cp.ReservedAt = cloneTime(j.ReservedAt)
	cp.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.FailedAt = cloneTime(j.FailedAt)
	return &cp
}

// Lease returns the lease held on a reserved job. ok is false otherwise.
func (j *Job) Lease() (Lease, bool) {
	if j == nil || j.Status != StatusReserved || j.LeaseToken == "" {
		return Lease{}, false
	}
	l := Lease{JobID: j.ID, Queue: j.Queue, Token: j.LeaseToken}
	if j.LeaseExpiresAt != nil {
		l.ExpiresAt = *j.LeaseExpiresAt
	}
	return l, true
}

// Exhausted reports whether the attempt budget is already used up.
// A reclaimed lease can leave a job in this state before it runs again.
func (j *Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

// Label returns a label value or "".
func (j *Job) Label(k string) string {
	if j == nil || j.Labels == nil {
		return ""
	}
	return j.Labels[k]
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Lease is a worker's time-bounded claim on a reserved job.
type Lease struct {
	JobID     string    `json:"job_id"`
	Queue     string    `json:"queue"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Charge selects which counters a release or failure consumes.
type Charge int

const (
	// ChargeNone leaves both counters untouched (shutdown drain, pre-run exhaustion).
	ChargeNone Charge = iota
	// ChargeAttempt consumes one attempt (voluntary release).
	ChargeAttempt
	// ChargeException consumes one attempt and one exception (execution error or timeout).
	ChargeException
)

func (c Charge) String() string {
	switch c {
	case ChargeAttempt:
		return "attempt"
	case ChargeException:
		return "exception"
	default:
		return "none"
	}
}

// Apply returns the counters after charging c, capped at the job's limits.
func (c Charge) Apply(j *Job) (attempts, exceptions int) {
	attempts, exceptions = j.Attempts, j.Exceptions
	if c == ChargeAttempt || c == ChargeException {
		attempts++
	}
	if c == ChargeException {
		exceptions++
	}
	if j.MaxAttempts > 0 && attempts > j.MaxAttempts {
		attempts = j.MaxAttempts
	}
	if j.MaxExceptions > 0 && exceptions > j.MaxExceptions {
		exceptions = j.MaxExceptions
	}
	return attempts, exceptions
}

// FailureRecord is written exactly once, when a job becomes failed.
type FailureRecord struct {
	JobID      string            `json:"job_id"`
	Queue      string            `json:"queue"`
	Name       string            `json:"name"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Attempts   int               `json:"attempts"`
	Exceptions int               `json:"exceptions"`
	FinalError string            `json:"final_error"`
	FailedAt   time.Time         `json:"failed_at"`
}

// NewFailureRecord snapshots j at the moment it fails.
func NewFailureRecord(j *Job, finalErr string, at time.Time) FailureRecord {
	cp := j.Clone()
	return FailureRecord{
		JobID:      cp.ID,
		Queue:      cp.Queue,
		Name:       cp.Name,
		Payload:    cp.Payload,
		Labels:     cp.Labels,
		Attempts:   cp.Attempts,
		Exceptions: cp.Exceptions,
		FinalError: finalErr,
		FailedAt:   at,
	}
}

// FailureFilter narrows Store.Failures.
type FailureFilter struct {
	Queue string
	Since time.Time
	Limit int
}

// Stats is a per-queue count of jobs by status.
type Stats struct {
	Queue    string         `json:"queue"`
	ByStatus map[Status]int `json:"by_status"`
	Failures int            `json:"failures"`
}

// NewStats returns Stats with every status present (zero-filled).
func NewStats(queue string) Stats {
	st := Stats{Queue: queue, ByStatus: make(map[Status]int, len(AllStatuses))}
	for _, s := range AllStatuses {
		st.ByStatus[s] = 0
	}
	return st
}

// Total is the number of jobs across every status.
func (s Stats) Total() int {
	n := 0
	for _, c := range s.ByStatus {
		n += c
	}
	return n
}
