package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronobot/internal/domain"
	logx "chronobot/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "actions.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newAction(t *testing.T, cmd string, trigger time.Time, mode domain.CompletionMode) domain.Action {
	t.Helper()
	a, err := domain.NewAction(domain.Spec{Command: cmd, TriggerAt: trigger, Mode: mode}, t0)
	require.NoError(t, err)
	return a
}

func TestCreateGetRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	until := t0.Add(time.Hour)
	a, err := domain.NewAction(domain.Spec{
		Command:    "Check if the door is closed",
		TriggerAt:  t0,
		Mode:       domain.ModeRetryWithCondition,
		RetryUntil: &until,
		Context:    domain.Payload{"camera": "front", "n": float64(2)},
		Recurrence: &domain.RecurrenceSpec{Interval: 5 * time.Minute},
	}, t0)
	require.NoError(t, err)

	id, err := st.Create(ctx, a)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, domain.StatusScheduled, got.Status)
	assert.Equal(t, domain.ModeRetryWithCondition, got.Mode)
	assert.True(t, got.TriggerAt.Equal(t0))
	assert.True(t, got.NextCheckAt.Equal(t0))
	require.NotNil(t, got.RetryUntil)
	assert.True(t, got.RetryUntil.Equal(until))
	assert.Equal(t, "front", got.Context["camera"])
	require.NotNil(t, got.Recurrence)
	assert.Equal(t, 5*time.Minute, got.Recurrence.Interval)
	assert.Zero(t, got.Recurrence.ParentID)
	assert.Equal(t, int64(1), got.Version)
	assert.Zero(t, got.AttemptCount)
}

func TestGetMissing(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Get(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListDueOrderingAndLease(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	late, _ := st.Create(ctx, newAction(t, "late", t0.Add(2*time.Minute), domain.ModeOneShot))
	early, _ := st.Create(ctx, newAction(t, "early", t0, domain.ModeOneShot))
	_, _ = st.Create(ctx, newAction(t, "future", t0.Add(time.Hour), domain.ModeOneShot))

	now := t0.Add(5 * time.Minute)
	due, err := st.ListDue(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early, due[0].ID)
	assert.Equal(t, late, due[1].ID)

	// A live lease hides the row until it expires.
	_, err = st.Claim(ctx, Claim{ID: early, ExpectedVersion: due[0].Version, Token: "w1", Now: now, LeaseUntil: now.Add(time.Minute)})
	require.NoError(t, err)

	due, err = st.ListDue(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, late, due[0].ID)

	due, err = st.ListDue(ctx, now.Add(2*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, early, due[0].ID)
}

func TestClaimIsExclusive(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, newAction(t, "once", t0, domain.ModeOneShot))
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.Claim(ctx, Claim{ID: id, ExpectedVersion: 1, Token: "w", Now: t0, LeaseUntil: t0.Add(time.Minute)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrConflict):
				conflict++
			default:
				t.Errorf("claim %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflict)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastAttemptAt)
	assert.Equal(t, "w", got.ClaimToken)
}

func TestClaimMissingIsNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Claim(context.Background(), Claim{ID: 9, ExpectedVersion: 1, Token: "w", Now: t0, LeaseUntil: t0})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateVersionAndToken(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, _ := st.Create(ctx, newAction(t, "ack me", t0, domain.ModeRetryUntilAcknowledged))
	claimed, err := st.Claim(ctx, Claim{ID: id, ExpectedVersion: 1, Token: "tok", Now: t0, LeaseUntil: t0.Add(time.Minute)})
	require.NoError(t, err)

	next := t0.Add(time.Minute)
	msg := "please confirm"
	scheduled := domain.StatusScheduled

	// Wrong token.
	_, err = st.Update(ctx, id, claimed.Version, Patch{Status: &scheduled, ClaimToken: "other", Now: t0})
	assert.ErrorIs(t, err, domain.ErrConflict)

	// Stale version.
	_, err = st.Update(ctx, id, claimed.Version-1, Patch{Status: &scheduled, Now: t0})
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := st.Update(ctx, id, claimed.Version, Patch{
		Status: &scheduled, NextCheckAt: &next, LastMessage: &msg,
		ClaimToken: "tok", ReleaseClaim: true, Now: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, got.Status)
	assert.True(t, got.NextCheckAt.Equal(next))
	assert.True(t, got.TriggerAt.Equal(t0), "trigger time must not move")
	assert.Equal(t, msg, got.LastMessage)
	assert.Empty(t, got.ClaimToken)
	assert.Nil(t, got.ClaimUntil)
	assert.Equal(t, claimed.Version+1, got.Version)

	require.NoError(t, st.Delete(ctx, id))
	_, err = st.Update(ctx, id, got.Version, Patch{Status: &scheduled, Now: t0})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, st.Delete(ctx, id), domain.ErrNotFound)
}

func TestUpdateAndSpawnOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	root := newAction(t, "water plants", t0, domain.ModeOneShot)
	root.Recurrence = &domain.Recurrence{Interval: 5 * time.Minute}
	id, err := st.Create(ctx, root)
	require.NoError(t, err)

	claimed, err := st.Claim(ctx, Claim{ID: id, ExpectedVersion: 1, Token: "tok", Now: t0, LeaseUntil: t0.Add(time.Minute)})
	require.NoError(t, err)

	succ := newAction(t, "water plants", t0.Add(5*time.Minute), domain.ModeOneShot)
	succ.Recurrence = &domain.Recurrence{Interval: 5 * time.Minute, ParentID: id}

	completed := domain.StatusCompleted
	got, succID, err := st.UpdateAndSpawn(ctx, id, claimed.Version,
		Patch{Status: &completed, ClaimToken: "tok", ReleaseClaim: true, Now: t0}, succ)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.True(t, got.SuccessorSpawn)
	assert.NotZero(t, succID)

	// A second spawn from the same occurrence is refused.
	_, _, err = st.UpdateAndSpawn(ctx, id, got.Version, Patch{Status: &completed, Now: t0}, succ)
	assert.ErrorIs(t, err, domain.ErrConflict)

	children, err := st.ListByParent(ctx, id)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, succID, children[0].ID)
	assert.Equal(t, id, children[0].RootID())

	parent := id
	listed, err := st.List(ctx, Filter{ParentID: &parent})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestListFilterByStatus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, _ := st.Create(ctx, newAction(t, "a", t0, domain.ModeOneShot))
	_, _ = st.Create(ctx, newAction(t, "b", t0.Add(time.Minute), domain.ModeOneShot))

	expired := domain.StatusExpired
	_, err := st.Update(ctx, a, 1, Patch{Status: &expired, Now: t0})
	require.NoError(t, err)

	out, err := st.List(ctx, Filter{Statuses: []domain.Status{domain.StatusExpired}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, a, out[0].ID)

	all, err := st.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEventsAndPrune(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	done, _ := st.Create(ctx, newAction(t, "done", t0, domain.ModeOneShot))
	live, _ := st.Create(ctx, newAction(t, "live", t0, domain.ModeOneShot))

	require.NoError(t, st.AppendEvent(ctx, Event{ActionID: done, At: t0, Kind: "action.claimed", Attempt: 1}))
	require.NoError(t, st.AppendEvent(ctx, Event{ActionID: done, At: t0, Kind: "action.completed", Attempt: 1, Detail: "ok"}))

	events, err := st.ListEvents(ctx, done, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "action.claimed", events[0].Kind)
	assert.Equal(t, "ok", events[1].Detail)

	completed := domain.StatusCompleted
	_, err = st.Update(ctx, done, 1, Patch{Status: &completed, Now: t0})
	require.NoError(t, err)

	n, err := st.PruneTerminal(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.Get(ctx, done)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = st.Get(ctx, live)
	assert.NoError(t, err)

	events, err = st.ListEvents(ctx, done, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryDriver(t *testing.T) {
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	id, err := st.Create(context.Background(), newAction(t, "x", t0, domain.ModeOneShot))
	require.NoError(t, err)
	_, err = st.Get(context.Background(), id)
	assert.NoError(t, err)
}

func TestUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)
}

func TestDatabaseFailureIsPersistenceError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := &sqliteStore{db: db}
	mock.ExpectQuery(regexp.QuoteMeta("FROM scheduled_actions WHERE id = ?")).
		WithArgs(int64(1)).
		WillReturnError(errors.New("disk I/O error"))

	_, err = st.Get(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, domain.IsPersistence(err))
	assert.NotErrorIs(t, err, domain.ErrNotFound)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM scheduled_actions")).
		WithArgs(int64(2)).
		WillReturnError(errors.New("database is locked"))
	err = st.Delete(context.Background(), 2)
	assert.True(t, domain.IsPersistence(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func corruptContext(t *testing.T, st Store, id int64) {
	t.Helper()
	_, err := st.(*sqliteStore).db.Exec(`UPDATE scheduled_actions SET context = '{not json' WHERE id = ?`, id)
	require.NoError(t, err)
}

func TestListDueSkipsAndExpiresUnreadableRow(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	good, err := st.Create(ctx, newAction(t, "good", t0, domain.ModeOneShot))
	require.NoError(t, err)
	bad, err := st.Create(ctx, newAction(t, "bad", t0, domain.ModeOneShot))
	require.NoError(t, err)
	corruptContext(t, st, bad)

	due, err := st.ListDue(ctx, t0, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, good, due[0].ID)

	// The bad row is no longer pending, so it stays out of later passes.
	due, err = st.ListDue(ctx, t0.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, good, due[0].ID)

	events, err := st.ListEvents(ctx, bad, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "action.expired", events[0].Kind)
	assert.Contains(t, events[0].Detail, "decode context")

	list, err := st.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, good, list[0].ID)

	_, err = st.Get(ctx, bad)
	assert.True(t, domain.IsPersistence(err))
}

func TestContextKeepsLargeIntegers(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := newAction(t, "notify", t0, domain.ModeOneShot)
	a.Context = domain.Payload{"chat_id": int64(9007199254740993), "ratio": 0.25, "tags": []any{"a", "b"}}
	id, err := st.Create(ctx, a)
	require.NoError(t, err)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	n, ok := got.Context["chat_id"].(json.Number)
	require.True(t, ok, "chat_id decoded as %T", got.Context["chat_id"])
	v, err := n.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), v)
	assert.Equal(t, json.Number("0.25"), got.Context["ratio"])
	assert.Equal(t, []any{"a", "b"}, got.Context["tags"])

	out, err := json.Marshal(got.Context)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"chat_id":9007199254740993`)
}
