package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronobot/internal/config"
	"chronobot/internal/domain"
	"chronobot/internal/policy"
	logx "chronobot/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronobot.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestAppRunsActionEndToEnd(t *testing.T) {
	path := writeConfig(t, `{
  "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "memory"},
  "scheduler": {"enabled": true, "interval": "20ms"},
  "executor": {}
}`)
	a, err := New(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	id, err := a.Actions().CreateScheduledAction(context.Background(), domain.Spec{
		Command:   "stretch",
		TriggerAt: time.Now().Add(-time.Second),
		Mode:      domain.ModeOneShot,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		act, err := a.Actions().Get(context.Background(), id)
		return err == nil && act.Status == domain.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	act, err := a.Actions().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "stretch", act.LastMessage)
	assert.True(t, a.healthy())

	require.Eventually(t, func() bool {
		hist, err := a.Actions().History(context.Background(), id, 0)
		return err == nil && len(hist) >= 3
	}, 3*time.Second, 20*time.Millisecond, "created, claimed and completed are recorded")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))
	<-a.Done()
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(context.Background(), writeConfig(t, `{"scheduler": {"interval": "often"}}`))
	assert.Error(t, err)

	_, err = New(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestMapScheduler(t *testing.T) {
	no := false
	cfg := &config.Config{Scheduler: config.SchedulerConfig{
		Enabled:          true,
		Interval:         "15s",
		Workers:          3,
		SpawnOnExpire:    &no,
		MaxRetryDelay:    "30m",
		Retention:        "168h",
		ExecutionTimeout: "90s",
	}}
	sc, err := mapScheduler(cfg)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, sc.Interval)
	assert.Equal(t, 90*time.Second, sc.ExecutionTimeout)
	assert.False(t, sc.SpawnOnExpire)
	assert.Equal(t, 30*time.Minute, sc.Bounds.Max)
	assert.Equal(t, policy.DefaultBounds().Min, sc.Bounds.Min)
	assert.Equal(t, 168*time.Hour, sc.Retention)

	cfg.Scheduler.RetentionSchedule = "every now and then"
	_, err = mapScheduler(cfg)
	assert.Error(t, err)
	assert.Error(t, validate(context.Background(), cfg))
}

func TestMapStorageDefaults(t *testing.T) {
	sc, err := mapStorage(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, defaultStorePath, sc.Path)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)
}

func TestMapTelegram(t *testing.T) {
	_, ok, err := mapTelegram(&config.Config{})
	require.NoError(t, err)
	assert.False(t, ok)

	tc, ok, err := mapTelegram(&config.Config{Telegram: &config.TelegramConfig{Token: "t", ChatID: 5, PollTimeout: "30s"}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, tc.PollTimeout)
}

func TestSDNotifier(t *testing.T) {
	var states []string
	n := sdNotifier{log: logx.Nop(), notify: func(s string) (bool, error) {
		states = append(states, s)
		return true, nil
	}}
	n.ready()
	n.stopping()
	assert.Equal(t, []string{"READY=1", "STOPPING=1"}, states)

	n.notify = func(string) (bool, error) { return false, errors.New("socket gone") }
	n.ready()
}
