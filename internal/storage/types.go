package storage

import (
	"context"
	"time"

	"chronobot/internal/domain"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": private in-memory SQLite database (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// Store is the Action Store: durable record of scheduled actions, no policy.
//
// Every write that races with the scheduler carries the version the caller
// last read; a stale version yields domain.ErrConflict and a missing row
// domain.ErrNotFound. Other failures are *domain.PersistenceError.
type Store interface {
	Create(ctx context.Context, a domain.Action) (int64, error)
	Get(ctx context.Context, id int64) (domain.Action, error)

	// ListDue returns pending, unclaimed actions whose next check time is <= now,
	// ordered by next check time then id. limit <= 0 means no limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Action, error)

	// Claim atomically moves a due action to Active, counts the attempt and
	// installs a claim lease, provided its version is still expectedVersion.
	Claim(ctx context.Context, c Claim) (domain.Action, error)

	Update(ctx context.Context, id, expectedVersion int64, p Patch) (domain.Action, error)

	// UpdateAndSpawn applies p to the occurrence, marks its successor as spawned
	// and inserts next in one transaction. It returns the updated occurrence and
	// the successor id.
	UpdateAndSpawn(ctx context.Context, id, expectedVersion int64, p Patch, next domain.Action) (domain.Action, int64, error)

	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, f Filter) ([]domain.Action, error)
	ListByParent(ctx context.Context, parentID int64) ([]domain.Action, error)

	AppendEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, actionID int64, limit int) ([]Event, error)

	// PruneTerminal deletes completed/expired actions (and their events)
	// last updated before the cutoff.
	PruneTerminal(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Claim describes one claim attempt.
type Claim struct {
	ID              int64
	ExpectedVersion int64
	Token           string
	Now             time.Time
	LeaseUntil      time.Time
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status      *domain.Status
	NextCheckAt *time.Time
	LastMessage *string

	// ClaimToken, when set, must match the row's current claim token.
	ClaimToken string
	// ReleaseClaim clears the claim lease.
	ReleaseClaim bool

	Now time.Time
}

// Filter narrows List. Zero value lists everything.
type Filter struct {
	Statuses []domain.Status
	ParentID *int64
	Limit    int
}

// Event is one audit/history record for an action.
type Event struct {
	ID       int64
	ActionID int64
	At       time.Time
	Kind     string
	Attempt  int
	Detail   string
}
