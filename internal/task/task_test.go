package task

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var allStatuses = []Status{StatusBacklog, StatusReady, StatusInProgress, StatusBlocked, StatusWaitingOnHuman, StatusDone}

func validInput() CreateInput {
	return CreateInput{
		Title: "ship it", Category: CategoryDev, Persona: PersonaDev,
		Urgency: 3, Importance: 3, Risk: 1, StressCost: 1,
	}
}

func TestIsValidTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusBacklog, StatusReady, true},
		{StatusBacklog, StatusDone, false},
		{StatusBacklog, StatusInProgress, false},
		{StatusReady, StatusInProgress, true},
		{StatusReady, StatusWaitingOnHuman, true},
		{StatusInProgress, StatusDone, true},
		{StatusInProgress, StatusReady, true},
		{StatusInProgress, StatusBlocked, true},
		{StatusBlocked, StatusReady, true},
		{StatusWaitingOnHuman, StatusBlocked, true},
		{StatusDone, StatusReady, false},
		{StatusDone, StatusBlocked, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			t.Parallel()
			if got := IsValidTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestDoneIsTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range allStatuses {
		assert.False(t, IsValidTransition(StatusDone, s), "DONE -> %s", s)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tk, err := New(validInput(), now)
	require.NoError(t, err)
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, StatusBacklog, tk.Status)
	assert.Equal(t, DefaultMaxRetries, tk.MaxRetries)
	assert.Equal(t, "system", tk.CreatedBy)
	assert.Equal(t, now, tk.CreatedAt)
}

func TestNewRejectsBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(*CreateInput)
	}{
		{"empty title", func(in *CreateInput) { in.Title = " " }},
		{"urgency zero", func(in *CreateInput) { in.Urgency = 0 }},
		{"risk six", func(in *CreateInput) { in.Risk = 6 }},
		{"unknown persona", func(in *CreateInput) { in.Persona = "Bob" }},
		{"unknown category", func(in *CreateInput) { in.Category = "GARDEN" }},
		{"starts done", func(in *CreateInput) { in.Status = StatusDone }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := validInput()
			tt.mut(&in)
			_, err := New(in, time.Now())
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestApplyRejectsIllegalTransition(t *testing.T) {
	t.Parallel()
	tk, err := New(validInput(), time.Now())
	require.NoError(t, err)

	_, err = Apply(tk, Update{Status: Ptr(StatusDone), Outcome: Ptr(OutcomeCompleted)}, time.Now())
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApplyEnforcesInvariants(t *testing.T) {
	t.Parallel()
	tk, err := New(validInput(), time.Now())
	require.NoError(t, err)
	tk.Status = StatusInProgress

	_, err = Apply(tk, Update{Status: Ptr(StatusDone)}, time.Now())
	require.ErrorIs(t, err, ErrInvalidState, "DONE without outcome")

	_, err = Apply(tk, Update{Status: Ptr(StatusBlocked), Outcome: Ptr(OutcomeRequiresHuman)}, time.Now())
	require.ErrorIs(t, err, ErrInvalidState, "REQUIRES_HUMAN outside WAITING_ON_HUMAN")

	done, err := Apply(tk, Update{Status: Ptr(StatusDone), Outcome: Ptr(OutcomeCompleted)}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusDone, done.Status)
}

func TestApplyMergesPayload(t *testing.T) {
	t.Parallel()
	in := validInput()
	in.Payload = map[string]any{"source": "scheduler"}
	tk, err := New(in, time.Now())
	require.NoError(t, err)

	next, err := Apply(tk, Update{Payload: map[string]any{"note": "x"}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "scheduler", next.PayloadString("source"))
	assert.Equal(t, "x", next.PayloadString("note"))
	assert.Empty(t, tk.PayloadString("note"), "original payload must not be mutated")
}

func TestScoreWeights(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tk := Task{Urgency: 5, Importance: 5, Risk: 1, StressCost: 1, CreatedAt: now}
	assert.InDelta(t, 17.5, Score(tk, now), 1e-9)

	tk.RetryCount = 2
	assert.InDelta(t, 16.5, Score(tk, now), 1e-9)

	tk.RetryCount = 0
	tk.EscalationThreshold = 1
	assert.InDelta(t, 21.5, Score(tk, now.Add(150*time.Minute)), 1e-9)
}

func TestSortByPriorityFIFOProperty(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 12).Draw(rt, "n")
		u := rapid.IntRange(1, 5).Draw(rt, "urgency")
		tasks := make([]Task, n)
		offsets := rapid.Permutation(makeRange(n)).Draw(rt, "offsets")
		for i := 0; i < n; i++ {
			tasks[i] = Task{
				ID:         fmt.Sprintf("t%d", i),
				Urgency:    u,
				Importance: 3,
				Risk:       2,
				StressCost: 2,
				CreatedAt:  base.Add(time.Duration(offsets[i]) * time.Second),
			}
		}
		SortByPriority(tasks, base.Add(time.Hour))
		for i := 1; i < len(tasks); i++ {
			if !tasks[i-1].CreatedAt.Before(tasks[i].CreatedAt) {
				rt.Fatalf("equal-score tasks out of FIFO order at %d: %v then %v", i, tasks[i-1].CreatedAt, tasks[i].CreatedAt)
			}
		}
	})
}

func TestTransitionTableProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		from := rapid.SampledFrom(allStatuses).Draw(rt, "from")
		to := rapid.SampledFrom(allStatuses).Draw(rt, "to")
		if from == to {
			return
		}
		tk := Task{ID: "x", Status: from}
		if from == StatusDone {
			tk.Outcome = OutcomeCompleted
		}
		upd := Update{Status: Ptr(to)}
		if to == StatusDone {
			upd.Outcome = Ptr(OutcomeCompleted)
		}
		_, err := Apply(tk, upd, time.Now())
		if IsValidTransition(from, to) {
			if err != nil {
				rt.Fatalf("legal %s -> %s rejected: %v", from, to, err)
			}
		} else if !errors.Is(err, ErrInvalidTransition) {
			rt.Fatalf("illegal %s -> %s: err = %v", from, to, err)
		}
	})
}

func makeRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
