package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/you-humble/dococr/core/ocr"
)

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateCancelled},
	StateRunning: {StateCompleted, StateFailed, StateCancelled},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Task struct {
	ID          string
	BatchID     string
	Filename    string
	ContentType string
	SizeBytes   int64
	ContentHash string
	StagingKey  string
	Engine      string
	Languages   []string

	State    State
	Progress int
	Result   *Result
	Error    *TaskError

	// Owner is the dispatcher instance that moved the task to running. It
	// keeps the task while LeaseUntil is in the future.
	Owner      string
	LeaseUntil *time.Time

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type Result struct {
	Text           string     `json:"text"`
	Pages          []ocr.Page `json:"pages"`
	PageCount      int        `json:"page_count"`
	MeanConfidence float64    `json:"mean_confidence"`
	EngineVersion  string     `json:"engine_version,omitempty"`
}

func NewResult(res ocr.Result) Result {
	return Result{
		Text:           res.Text(),
		Pages:          res.Pages,
		PageCount:      len(res.Pages),
		MeanConfidence: res.MeanConfidence(),
		EngineVersion:  res.EngineVersion,
	}
}

type CreateTaskParams struct {
	BatchID     string
	Filename    string
	ContentType string
	SizeBytes   int64
	ContentHash string
	StagingKey  string
	Engine      string
	Languages   []string

	// Failure makes the task terminal at creation; used for rejected uploads.
	Failure *TaskError
}

// NewTask builds the initial record for p.
func NewTask(id string, p CreateTaskParams, now time.Time) Task {
	t := Task{
		ID:          id,
		BatchID:     p.BatchID,
		Filename:    p.Filename,
		ContentType: p.ContentType,
		SizeBytes:   p.SizeBytes,
		ContentHash: p.ContentHash,
		StagingKey:  p.StagingKey,
		Engine:      p.Engine,
		Languages:   p.Languages,
		State:       StateQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.Failure != nil {
		failure := *p.Failure
		t.State = StateFailed
		t.Error = &failure
		t.FinishedAt = &now
	}
	return t
}

// ErrNoChange is returned by a Mutation that leaves the task as is; stores
// treat it as success without writing.
var ErrNoChange = errors.New("no change")

// Mutation edits a private copy of a task. Stores apply it atomically per task.
type Mutation func(t *Task, now time.Time) error

func (t *Task) transition(to State) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
	}
	t.State = to
	return nil
}

func MarkRunning(owner string, lease time.Duration) Mutation {
	return func(t *Task, now time.Time) error {
		if err := t.transition(StateRunning); err != nil {
			return err
		}
		until := now.Add(lease)
		t.Progress = 0
		t.StartedAt = &now
		t.Owner = owner
		t.LeaseUntil = &until
		return nil
	}
}

// Heartbeat extends the lease of a running task still held by owner.
func Heartbeat(owner string, lease time.Duration) Mutation {
	return func(t *Task, now time.Time) error {
		if t.State != StateRunning || t.Owner != owner {
			return ErrNoChange
		}
		until := now.Add(lease)
		t.LeaseUntil = &until
		return nil
	}
}

// Orphaned reports whether a running task was left behind by its holder:
// self is the asking instance, so its own leftovers are orphaned at once,
// while another instance's task is orphaned only after its lease ran out.
func (t Task) Orphaned(self string, now time.Time) bool {
	if t.State != StateRunning {
		return false
	}
	if t.Owner == "" || t.Owner == self || t.LeaseUntil == nil {
		return true
	}
	return !now.Before(*t.LeaseUntil)
}

// Reclaim fails an orphaned running task and leaves every other task as is.
func Reclaim(self string, e TaskError) Mutation {
	fail := Fail(e)
	return func(t *Task, now time.Time) error {
		if !t.Orphaned(self, now) {
			return ErrNoChange
		}
		return fail(t, now)
	}
}

// SetProgress raises progress while the task runs. 100 is reserved for Complete.
func SetProgress(p int) Mutation {
	return func(t *Task, now time.Time) error {
		p = min(max(p, 0), 99)
		if t.State != StateRunning || p <= t.Progress {
			return ErrNoChange
		}
		t.Progress = p
		return nil
	}
}

func Complete(res Result) Mutation {
	return func(t *Task, now time.Time) error {
		if err := t.transition(StateCompleted); err != nil {
			return err
		}
		t.Progress = 100
		t.Result = &res
		t.Error = nil
		t.FinishedAt = &now
		return nil
	}
}

func Fail(e TaskError) Mutation {
	return func(t *Task, now time.Time) error {
		if err := t.transition(StateFailed); err != nil {
			return err
		}
		t.Error = &e
		t.Result = nil
		t.FinishedAt = &now
		return nil
	}
}

// Cancel is a no-op for terminal tasks.
func Cancel() Mutation {
	return func(t *Task, now time.Time) error {
		if t.State.Terminal() {
			return ErrNoChange
		}
		if err := t.transition(StateCancelled); err != nil {
			return err
		}
		t.FinishedAt = &now
		return nil
	}
}

// Apply runs m against a copy of t and reports whether anything changed.
func Apply(t Task, m Mutation, now time.Time) (Task, bool, error) {
	next := t
	if err := m(&next, now); err != nil {
		if errors.Is(err, ErrNoChange) {
			return t, false, nil
		}
		return t, false, err
	}
	next.UpdatedAt = now
	return next, true, nil
}
