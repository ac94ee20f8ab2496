package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronobot/internal/clock"
	"chronobot/internal/domain"
	logx "chronobot/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingEffector struct {
	mu    sync.Mutex
	got   []Delivery
	err   error
	calls int
}

func (r *recordingEffector) Deliver(_ context.Context, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.got = append(r.got, d)
	return r.err
}

func claimed(id int64, attempts int) domain.Action {
	return domain.Action{
		ID:           id,
		Command:      "drink water",
		Mode:         domain.ModeRetryUntilAcknowledged,
		AttemptCount: attempts,
		Context:      domain.Payload{"who": "sam"},
	}
}

func TestExecuteNormalizesAndDelivers(t *testing.T) {
	var seen Request
	provider := JudgeFunc(func(_ context.Context, req Request) ([]byte, error) {
		seen = req
		return []byte(`{"vr":"Time to drink water","act":[["nod",1]],"completed":false,"retry_delay_seconds":30}`), nil
	})
	eff := &recordingEffector{}
	sensor := SenseFunc(func(context.Context) (domain.Payload, error) {
		return domain.Payload{"light": "on"}, nil
	})

	a := New(Config{}, provider, Options{Effector: eff, Sensor: sensor, Clock: clock.NewFake(t0)}, logx.Nop())
	out := a.Execute(context.Background(), claimed(4, 3))

	require.NoError(t, out.Err)
	assert.Equal(t, "Time to drink water", out.Message)
	assert.False(t, out.Completed)
	require.NotNil(t, out.RetryDelay)
	assert.Equal(t, 30*time.Second, *out.RetryDelay)

	assert.Equal(t, int64(4), seen.ActionID)
	assert.Equal(t, 2, seen.AttemptCount, "provider sees prior attempts")
	assert.Equal(t, "on", seen.SensedState["light"])
	assert.Equal(t, "sam", seen.Context["who"])

	require.Len(t, eff.got, 1)
	assert.Equal(t, "Time to drink water", eff.got[0].Message)
	assert.JSONEq(t, `[["nod",1]]`, string(eff.got[0].EffectPlan))
}

func TestExecuteMalformedResponse(t *testing.T) {
	provider := JudgeFunc(func(context.Context, Request) ([]byte, error) {
		return []byte(`this is not json`), nil
	})
	eff := &recordingEffector{}
	a := New(Config{}, provider, Options{Effector: eff}, logx.Nop())

	out := a.Execute(context.Background(), claimed(1, 1))
	assert.NoError(t, out.Err)
	assert.False(t, out.Completed)
	assert.False(t, out.Acknowledged)
	assert.Nil(t, out.RetryDelay)
	assert.Zero(t, eff.calls, "nothing to deliver")
}

func TestExecuteProviderFailureIsTransient(t *testing.T) {
	provider := JudgeFunc(func(context.Context, Request) ([]byte, error) {
		return nil, errors.New("connection refused")
	})
	eff := &recordingEffector{}
	a := New(Config{}, provider, Options{Effector: eff}, logx.Nop())

	out := a.Execute(context.Background(), claimed(1, 1))
	require.Error(t, out.Err)
	assert.True(t, out.Transient())
	assert.True(t, domain.IsTransient(out.Err))
	assert.Zero(t, eff.calls)
}

func TestExecuteProviderTimeout(t *testing.T) {
	provider := JudgeFunc(func(ctx context.Context, _ Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	a := New(Config{Timeout: 20 * time.Millisecond}, provider, Options{}, logx.Nop())

	out := a.Execute(context.Background(), claimed(1, 1))
	require.True(t, out.Transient())
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestExecuteSensorFailureIsTransient(t *testing.T) {
	called := false
	provider := JudgeFunc(func(context.Context, Request) ([]byte, error) {
		called = true
		return []byte(`{}`), nil
	})
	sensor := SenseFunc(func(context.Context) (domain.Payload, error) {
		return nil, errors.New("camera unavailable")
	})
	a := New(Config{}, provider, Options{Sensor: sensor}, logx.Nop())

	out := a.Execute(context.Background(), claimed(1, 1))
	assert.True(t, out.Transient())
	assert.False(t, called)
}

func TestExecuteOutOfBandAck(t *testing.T) {
	provider := JudgeFunc(func(context.Context, Request) ([]byte, error) {
		return []byte(`{"message":"still waiting","acknowledged":false}`), nil
	})
	acks := NewAckBook()
	a := New(Config{}, provider, Options{Acks: acks}, logx.Nop())

	acks.Ack(9, t0)
	out := a.Execute(context.Background(), claimed(9, 2))
	assert.True(t, out.Acknowledged)
	assert.True(t, out.AckedAt.Equal(t0))

	// Still pending until the transition is recorded.
	out = a.Execute(context.Background(), claimed(9, 3))
	require.True(t, out.Acknowledged)

	a.SettleAck(9, out)
	out = a.Execute(context.Background(), claimed(9, 4))
	assert.False(t, out.Acknowledged)
	assert.Zero(t, acks.Len())
}

func TestSettleAckKeepsNewerAck(t *testing.T) {
	provider := JudgeFunc(func(context.Context, Request) ([]byte, error) {
		return []byte(`{"message":"still waiting"}`), nil
	})
	acks := NewAckBook()
	a := New(Config{}, provider, Options{Acks: acks}, logx.Nop())

	acks.Ack(4, t0)
	out := a.Execute(context.Background(), claimed(4, 1))
	acks.Ack(4, t0.Add(time.Second))
	a.SettleAck(4, out)

	at, ok := acks.Peek(4)
	require.True(t, ok)
	assert.True(t, at.Equal(t0.Add(time.Second)))
}

func TestExecuteDeliveryErrorIsNotFatal(t *testing.T) {
	provider := JudgeFunc(func(context.Context, Request) ([]byte, error) {
		return []byte(`{"message":"hello","completed":true}`), nil
	})
	eff := &recordingEffector{err: errors.New("speaker unplugged")}
	a := New(Config{}, provider, Options{Effector: eff}, logx.Nop())

	out := a.Execute(context.Background(), claimed(1, 1))
	assert.NoError(t, out.Err)
	assert.True(t, out.Completed)
	assert.Equal(t, 1, eff.calls)
}

func TestExecuteCircuitBreaker(t *testing.T) {
	calls := 0
	provider := JudgeFunc(func(context.Context, Request) ([]byte, error) {
		calls++
		return nil, errors.New("503")
	})
	clk := clock.NewFake(t0)
	a := New(Config{CircuitTripFailures: 2, CircuitBaseDelay: time.Minute}, provider, Options{Clock: clk}, logx.Nop())

	for i := 0; i < 2; i++ {
		a.Execute(context.Background(), claimed(1, i+1))
	}
	require.Equal(t, 2, calls)
	assert.True(t, a.Snapshot().CircuitOpen)

	out := a.Execute(context.Background(), claimed(1, 3))
	assert.Equal(t, 2, calls, "provider skipped while open")
	assert.ErrorIs(t, out.Err, ErrCircuitOpen)

	clk.Advance(2 * time.Minute)
	a.Execute(context.Background(), claimed(1, 4))
	assert.Equal(t, 3, calls, "half-open trial call after cooldown")
}

func TestExecuteNoProvider(t *testing.T) {
	a := New(Config{}, nil, Options{}, logx.Nop())
	out := a.Execute(context.Background(), claimed(1, 1))
	assert.True(t, out.Transient())
}
