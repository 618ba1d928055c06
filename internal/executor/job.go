package executor

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/ikido/herdctl/internal/backend"
	"github.com/ikido/herdctl/internal/logx"
)

// Origin identifies what produced a trigger.
type Origin string

const (
	OriginScheduler Origin = "scheduler"
	OriginManual    Origin = "manual"
	OriginChat      Origin = "chat"
	OriginWebhook   Origin = "webhook"
)

// State is the job lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
)

// Outcome is the terminal result of a job. Exactly one is set, once.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Trigger is a materialized request to start a job.
type Trigger struct {
	Agent        string
	Schedule     string
	Prompt       string
	Origin       Origin
	SessionID    string
	MetadataSeed map[string]any
}

// TriggerResult is the synchronous admission handle.
type TriggerResult struct {
	JobID    string `json:"jobId"`
	Agent    string `json:"agent"`
	Schedule string `json:"schedule,omitempty"`
}

// Job is one concrete execution of an agent for one trigger. Once terminal
// it is immutable.
type Job struct {
	ID       string
	Agent    string
	Schedule string
	Prompt   string
	Origin   Origin

	mu             sync.Mutex
	state          State
	outcome        Outcome
	startedAt      time.Time
	completedAt    time.Time
	output         string
	errMsg         string
	metadata       map[string]any
	backendSession string
	usage          *backend.Usage

	// Transient log buffer so StreamJobOutput can attach late.
	buf      []logx.Entry
	watchers []chan logx.Entry
	done     chan struct{}
}

func newJob(id string, t Trigger, now time.Time) *Job {
	return &Job{
		ID:        id,
		Agent:     t.Agent,
		Schedule:  t.Schedule,
		Prompt:    t.Prompt,
		Origin:    t.Origin,
		state:     StateCreated,
		startedAt: now,
		metadata:  t.MetadataSeed,
		done:      make(chan struct{}),
	}
}

// Snapshot is a read-only copy of a job's current state.
type Snapshot struct {
	ID          string         `json:"id"`
	Agent       string         `json:"agent"`
	Schedule    string         `json:"schedule,omitempty"`
	Origin      Origin         `json:"origin"`
	State       State          `json:"state"`
	Outcome     Outcome        `json:"outcome,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt,omitempty"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Usage       *backend.Usage `json:"usage,omitempty"`
}

// Snapshot returns a consistent copy of the job.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := Snapshot{
		ID:          j.ID,
		Agent:       j.Agent,
		Schedule:    j.Schedule,
		Origin:      j.Origin,
		State:       j.state,
		Outcome:     j.outcome,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
		Output:      j.output,
		Error:       j.errMsg,
		Metadata:    j.metadata,
		SessionID:   j.backendSession,
		Usage:       j.usage,
	}
	if !j.completedAt.IsZero() {
		snap.DurationMs = j.completedAt.Sub(j.startedAt).Milliseconds()
	}
	return snap
}

// Terminal reports whether the job reached a terminal outcome.
func (j *Job) Terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome != ""
}

// Done is closed when the job reaches a terminal outcome.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) setState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outcome == "" {
		j.state = s
	}
}

// record appends a log entry to the transient buffer and fans it to any
// attached watchers without blocking.
func (j *Job) record(e logx.Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outcome != "" {
		return
	}
	j.buf = append(j.buf, e)
	for _, w := range j.watchers {
		select {
		case w <- e:
		default:
		}
	}
}

// setBackendResult records the backend-assigned session id and token usage.
func (j *Job) setBackendResult(sessionID string, usage *backend.Usage) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outcome != "" {
		return
	}
	j.backendSession = sessionID
	j.usage = usage
}

// finalize sets the terminal outcome exactly once.
func (j *Job) finalize(outcome Outcome, completedAt time.Time, output, errMsg string, metadata map[string]any) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outcome != "" {
		return false
	}
	j.outcome = outcome
	j.completedAt = completedAt
	if j.completedAt.Before(j.startedAt) {
		j.completedAt = j.startedAt
	}
	j.output = output
	j.errMsg = errMsg
	if metadata != nil {
		j.metadata = metadata
	}
	for _, w := range j.watchers {
		close(w)
	}
	j.watchers = nil
	close(j.done)
	return true
}

// attach registers a watcher and returns the buffered backlog. When the job
// is already terminal, the watcher is nil and backlog is complete.
func (j *Job) attach(buffer int) ([]logx.Entry, chan logx.Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()

	backlog := make([]logx.Entry, len(j.buf))
	copy(backlog, j.buf)
	if j.outcome != "" {
		return backlog, nil
	}
	w := make(chan logx.Entry, buffer)
	j.watchers = append(j.watchers, w)
	return backlog, w
}

const jobIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewJobID builds "job-YYYY-MM-DD-xxxxxx" with a random lowercase
// alphanumeric suffix.
func NewJobID(now time.Time) string {
	suffix := make([]byte, 6)
	raw := make([]byte, 6)
	_, _ = rand.Read(raw)
	for i, b := range raw {
		suffix[i] = jobIDAlphabet[int(b)%len(jobIDAlphabet)]
	}
	return fmt.Sprintf("job-%s-%s", now.Format("2006-01-02"), suffix)
}
