package actions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronobot/internal/clock"
	"chronobot/internal/domain"
	"chronobot/internal/eventbus"
	"chronobot/internal/executor"
	"chronobot/internal/storage"
	logx "chronobot/pkg/logx"
)

var now = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, storage.Store, *executor.AckBook, eventbus.Bus) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "actions.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	acks := executor.NewAckBook()
	bus := eventbus.New()
	return New(st, acks, bus, clock.NewFake(now), logx.Nop()), st, acks, bus
}

func TestCreateScheduledAction(t *testing.T) {
	svc, _, _, bus := newService(t)
	events, unsub := bus.Subscribe(4)
	defer unsub()

	until := now.Add(time.Hour)
	id, err := svc.CreateScheduledAction(context.Background(), domain.Spec{
		Command:    "water the plants",
		TriggerAt:  now.Add(time.Minute),
		Mode:       domain.ModeRetryWithCondition,
		RetryUntil: &until,
		Context:    domain.Payload{"room": "kitchen"},
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	a, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, a.Status)
	assert.Equal(t, 0, a.AttemptCount)
	assert.Equal(t, "kitchen", a.Context["room"])

	e := <-events
	assert.Equal(t, eventbus.ActionCreated, e.Type)
	assert.Equal(t, id, e.ActionID)
}

func TestCreateRejectsInvalid(t *testing.T) {
	svc, st, _, _ := newService(t)
	before := now.Add(-time.Minute)

	_, err := svc.CreateScheduledAction(context.Background(), domain.Spec{
		Command: "x", TriggerAt: now, Mode: domain.ModeRetryWithCondition, RetryUntil: &before,
	})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	all, err := st.List(context.Background(), storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all, "nothing persisted")
}

func TestDeleteForgetsAck(t *testing.T) {
	svc, _, acks, _ := newService(t)
	id, err := svc.CreateScheduledAction(context.Background(), domain.Spec{
		Command: "pills", TriggerAt: now, Mode: domain.ModeRetryUntilAcknowledged,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Acknowledge(context.Background(), id))
	assert.Equal(t, 1, acks.Len())

	require.NoError(t, svc.Delete(context.Background(), id))
	assert.Zero(t, acks.Len())

	_, err = svc.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(context.Background(), id), domain.ErrNotFound)
}

func TestAcknowledgeRequiresAckMode(t *testing.T) {
	svc, _, _, _ := newService(t)
	id, err := svc.CreateScheduledAction(context.Background(), domain.Spec{
		Command: "x", TriggerAt: now, Mode: domain.ModeOneShot,
	})
	require.NoError(t, err)

	err = svc.Acknowledge(context.Background(), id)
	assert.True(t, domain.IsValidation(err))
	assert.ErrorIs(t, svc.Acknowledge(context.Background(), 999), domain.ErrNotFound)
}

func TestHistory(t *testing.T) {
	svc, st, _, _ := newService(t)
	id, err := svc.CreateScheduledAction(context.Background(), domain.Spec{Command: "x", TriggerAt: now, Mode: domain.ModeOneShot})
	require.NoError(t, err)

	require.NoError(t, st.AppendEvent(context.Background(), storage.Event{ActionID: id, At: now, Kind: eventbus.ActionClaimed, Attempt: 1}))
	require.NoError(t, st.AppendEvent(context.Background(), storage.Event{ActionID: id, At: now, Kind: eventbus.ActionCompleted, Attempt: 1}))

	hist, err := svc.History(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, eventbus.ActionClaimed, hist[0].Kind)

	_, err = svc.History(context.Background(), 404, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
