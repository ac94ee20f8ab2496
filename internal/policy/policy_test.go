package policy

import (
	"testing"
	"time"

	"chronobot/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func dur(d time.Duration) *time.Duration { return &d }
func at(t time.Time) *time.Time         { return &t }

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		in        Input
		wantKind  Kind
		wantDelay time.Duration
	}{
		{
			name:     "one shot ignores negative verdict",
			in:       Input{Mode: domain.ModeOneShot, Completed: false, Now: t0},
			wantKind: Complete,
		},
		{
			name:     "one shot ignores retry deadline",
			in:       Input{Mode: domain.ModeOneShot, Now: t0.Add(time.Hour), RetryUntil: at(t0)},
			wantKind: Complete,
		},
		{
			name:      "one shot retries when provider was unreachable",
			in:        Input{Mode: domain.ModeOneShot, Transient: true, Now: t0},
			wantKind:  Retry,
			wantDelay: 10 * time.Second,
		},
		{
			name:     "one shot transient failure past deadline expires",
			in:       Input{Mode: domain.ModeOneShot, Transient: true, Now: t0, RetryUntil: at(t0)},
			wantKind: Expire,
		},
		{
			name:     "ack mode completes on acknowledgment",
			in:       Input{Mode: domain.ModeRetryUntilAcknowledged, Acknowledged: true, Now: t0},
			wantKind: Complete,
		},
		{
			name:      "ack mode ignores scene verdict",
			in:        Input{Mode: domain.ModeRetryUntilAcknowledged, Completed: true, Now: t0},
			wantKind:  Retry,
			wantDelay: 60 * time.Second,
		},
		{
			name:      "condition mode retries with provider delay",
			in:        Input{Mode: domain.ModeRetryWithCondition, RetryDelay: dur(30 * time.Second), Now: t0, RetryUntil: at(t0.Add(time.Minute))},
			wantKind:  Retry,
			wantDelay: 30 * time.Second,
		},
		{
			name:     "condition mode completes on verdict",
			in:       Input{Mode: domain.ModeRetryWithCondition, Completed: true, Now: t0.Add(30 * time.Second), RetryUntil: at(t0.Add(time.Minute))},
			wantKind: Complete,
		},
		{
			name:     "terminal verdict wins at the deadline",
			in:       Input{Mode: domain.ModeRetryWithCondition, Completed: true, Now: t0.Add(time.Minute), RetryUntil: at(t0.Add(time.Minute))},
			wantKind: Complete,
		},
		{
			name:     "condition mode expires at deadline",
			in:       Input{Mode: domain.ModeRetryWithCondition, Now: t0.Add(time.Minute), RetryUntil: at(t0.Add(time.Minute))},
			wantKind: Expire,
		},
		{
			name:     "completed flag is not trusted on transient outcome",
			in:       Input{Mode: domain.ModeRetryWithCondition, Completed: true, Transient: true, Now: t0, RetryUntil: at(t0)},
			wantKind: Expire,
		},
		{
			name:      "tiny delay is clamped to minimum",
			in:        Input{Mode: domain.ModeRetryWithCondition, RetryDelay: dur(0), Now: t0},
			wantKind:  Retry,
			wantDelay: 5 * time.Second,
		},
		{
			name:      "huge delay is clamped to maximum",
			in:        Input{Mode: domain.ModeRetryUntilAcknowledged, RetryDelay: dur(48 * time.Hour), Now: t0},
			wantKind:  Retry,
			wantDelay: time.Hour,
		},
		{
			name:      "retry never lands after the deadline",
			in:        Input{Mode: domain.ModeRetryWithCondition, RetryDelay: dur(10 * time.Minute), Now: t0, RetryUntil: at(t0.Add(90 * time.Second))},
			wantKind:  Retry,
			wantDelay: 90 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decide(tt.in, DefaultBounds())
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if got.Kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s (%s)", got.Kind, tt.wantKind, got.Reason)
			}
			if tt.wantKind != Retry {
				return
			}
			if got.Delay != tt.wantDelay {
				t.Fatalf("delay = %s, want %s", got.Delay, tt.wantDelay)
			}
			if !got.NextCheckAt.Equal(tt.in.Now.Add(tt.wantDelay)) {
				t.Fatalf("next check = %s, want now+%s", got.NextCheckAt, tt.wantDelay)
			}
		})
	}
}

func TestDecideUnknownMode(t *testing.T) {
	if _, err := Decide(Input{Mode: "sometimes", Now: t0}, DefaultBounds()); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestBoundsNormalize(t *testing.T) {
	b := Bounds{Min: 30 * time.Second, Max: 10 * time.Second}.Normalize()
	if b.Max != 30*time.Second {
		t.Fatalf("max = %s, want raised to min", b.Max)
	}
	if b.Default != 30*time.Second || b.Transient != 30*time.Second {
		t.Fatalf("default/transient not clamped: %+v", b)
	}

	z := Bounds{}.Normalize()
	if z != DefaultBounds() {
		t.Fatalf("zero bounds = %+v, want defaults", z)
	}
}

func TestScenarioRetryWithCondition(t *testing.T) {
	deadline := t0.Add(60 * time.Second)

	first, err := Decide(Input{
		Mode: domain.ModeRetryWithCondition, RetryDelay: dur(30 * time.Second),
		Now: t0, RetryUntil: &deadline,
	}, DefaultBounds())
	if err != nil || first.Kind != Retry {
		t.Fatalf("first attempt: %+v, %v", first, err)
	}

	second, err := Decide(Input{
		Mode: domain.ModeRetryWithCondition, Completed: true,
		Now: first.NextCheckAt, RetryUntil: &deadline,
	}, DefaultBounds())
	if err != nil || second.Kind != Complete {
		t.Fatalf("second attempt: %+v, %v", second, err)
	}
}
