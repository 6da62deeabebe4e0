package coach

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"masterclassdev/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type reply struct {
	text string
	err  error
}

// scriptedModel answers with canned replies in order and records every
// request it receives.
type scriptedModel struct {
	mu       sync.Mutex
	replies  []reply
	requests []GenerateRequest
}

func (m *scriptedModel) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.replies) == 0 {
		return "Keep going.", nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r.text, r.err
}

func (m *scriptedModel) calls() []GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GenerateRequest(nil), m.requests...)
}

// blockingModel holds every call until release is closed or the call's
// context is cancelled.
type blockingModel struct {
	started chan struct{}
	release chan struct{}
	text    string
}

func newBlockingModel(text string) *blockingModel {
	return &blockingModel{started: make(chan struct{}, 1), release: make(chan struct{}), text: text}
}

func (m *blockingModel) Generate(ctx context.Context, _ GenerateRequest) (string, error) {
	m.started <- struct{}{}
	select {
	case <-m.release:
		return m.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

var fixedNow = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }

func openSession(t *testing.T, model LanguageModel, mutate ...func(*OpenProps)) *Session {
	t.Helper()
	props := OpenProps{
		ID:          "session-1",
		Persona:     PersonaContext{CharacterID: "anish", StageIndex: 1},
		Greeting:    `Masterclass Chapter complete. Now, let's execute. Ready for "Set 30-Day Goal"?`,
		Model:       model,
		Logger:      logger.Nop(),
		Temperature: DefaultTemperature,
		Now:         fixedNow,
	}
	for _, fn := range mutate {
		fn(&props)
	}
	s, err := Open(context.Background(), props)
	require.NoError(t, err)
	return s
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(context.Background(), OpenProps{Greeting: "hi"})
	assert.Error(t, err)

	_, err = Open(context.Background(), OpenProps{Model: &scriptedModel{}, Greeting: "   "})
	assert.Error(t, err)

	s, err := Open(context.Background(), OpenProps{Model: &scriptedModel{}, Greeting: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
}

func TestSessionSeedsGreeting(t *testing.T) {
	s := openSession(t, &scriptedModel{})

	turns := s.Transcript()
	require.Len(t, turns, 1)
	assert.Equal(t, RoleAssistant, turns[0].Role)
	assert.Equal(t, "09:30", turns[0].Timestamp)
	assert.Equal(t, Active, s.State())
	assert.Equal(t, 15, s.Progress())
}

func TestSubmitGrowsTranscriptInOrder(t *testing.T) {
	model := &scriptedModel{replies: []reply{{text: "What does the MVP do?"}, {text: "Who pays?"}, {text: "How fast?"}}}
	s := openSession(t, model)
	inputs := []string{"I want to build a fintech app", "It tracks spending", "Students pay"}

	for i, in := range inputs {
		res, err := s.Submit(context.Background(), in)
		require.NoError(t, err)
		require.NotNil(t, res.Reply)
		assert.Equal(t, 1+2*(i+1), s.TranscriptLen())
	}

	turns := s.Transcript()
	for i, in := range inputs {
		assert.Equal(t, Turn{Role: RoleUser, Text: in, Timestamp: "09:30"}, turns[1+2*i])
		assert.Equal(t, RoleAssistant, turns[2+2*i].Role)
	}

	// The history sent on turn N is exactly the first N-1 turns plus the new
	// user turn.
	calls := model.calls()
	require.Len(t, calls, len(inputs))
	for i, call := range calls {
		want := make([]Message, 0, 2*i+2)
		for _, turn := range turns[:1+2*i+1] {
			want = append(want, Message{Role: turn.Role, Text: turn.Text})
		}
		assert.Equal(t, want, call.History, "call %d", i)
		assert.Equal(t, s.Instruction(), call.SystemInstruction)
		assert.InDelta(t, DefaultTemperature, call.Temperature, 1e-6)
	}
}

func TestSubmitProgressIsCappedUntilLocked(t *testing.T) {
	s := openSession(t, &scriptedModel{})

	want := []int{35, 55, 75, 95, 95}
	for _, w := range want {
		res, err := s.Submit(context.Background(), "more")
		require.NoError(t, err)
		assert.Equal(t, w, res.Progress)
	}
}

func TestSubmitLocksGoal(t *testing.T) {
	var completed []SessionOutcome
	settled := 0
	model := &scriptedModel{replies: []reply{{text: "Done. GOAL_LOCKED: Launch MVP | STEPS: Build landing page, Get 10 signups, Ship v1"}}}
	s := openSession(t, model, func(p *OpenProps) {
		p.OnSettled = func(*Session) { settled++ }
		p.OnComplete = func(_ context.Context, o SessionOutcome) { completed = append(completed, o) }
	})

	res, err := s.Submit(context.Background(), "30 days, landing page, 10 signups, ship")
	require.NoError(t, err)

	want := GoalLocked{Title: "Launch MVP", MilestoneTexts: []string{"Build landing page", "Get 10 signups", "Ship v1"}}
	assert.Equal(t, want, res.Outcome)
	assert.Equal(t, 100, res.Progress)
	assert.Equal(t, Complete, s.State())
	assert.Equal(t, 1, settled)
	assert.Empty(t, completed, "nothing is reported before the caller closes")

	out, err := s.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, out)
	assert.Equal(t, []SessionOutcome{want}, completed)
	assert.True(t, s.Closed())

	_, err = s.Close(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Len(t, completed, 1)
}

func TestSubmitRejections(t *testing.T) {
	t.Run("blank text", func(t *testing.T) {
		model := &scriptedModel{}
		s := openSession(t, model)
		_, err := s.Submit(context.Background(), "  \n ")
		assert.ErrorIs(t, err, ErrEmptyMessage)
		assert.Equal(t, 1, s.TranscriptLen())
		assert.Empty(t, model.calls())
	})

	t.Run("while locking", func(t *testing.T) {
		model := &scriptedModel{replies: []reply{{text: "STEP VERIFIED"}}}
		s := openSession(t, model, func(p *OpenProps) { p.SettleDelay = time.Hour })
		_, err := s.Submit(context.Background(), "my moat is distribution")
		require.NoError(t, err)
		require.Equal(t, Locking, s.State())

		_, err = s.Submit(context.Background(), "hello?")
		assert.ErrorIs(t, err, ErrSessionNotActive)
		assert.Equal(t, 3, s.TranscriptLen())
		assert.Len(t, model.calls(), 1)

		_, err = s.Close(context.Background())
		require.NoError(t, err)
	})

	t.Run("after completion", func(t *testing.T) {
		s := openSession(t, &scriptedModel{})
		require.True(t, s.Skip())
		_, err := s.Submit(context.Background(), "wait")
		assert.ErrorIs(t, err, ErrSessionNotActive)
		assert.Equal(t, 1, s.TranscriptLen())
	})
}

func TestSubmitRejectsWhileInFlight(t *testing.T) {
	model := newBlockingModel("Who are your users?")
	s := openSession(t, model)

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), "first")
		done <- err
	}()
	<-model.started
	require.True(t, s.InFlight())

	_, err := s.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, ErrTurnInFlight)

	close(model.release)
	require.NoError(t, <-done)

	turns := s.Transcript()
	require.Len(t, turns, 3)
	assert.Equal(t, "first", turns[1].Text)
	assert.Equal(t, "Who are your users?", turns[2].Text)
}

func TestSubmitFallbackOnFailure(t *testing.T) {
	model := &scriptedModel{replies: []reply{{err: errors.New("503 from upstream")}, {text: "   "}}}
	s := openSession(t, model)

	res, err := s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, FallbackReply, res.Reply.Text)
	assert.Nil(t, res.Outcome)
	assert.Equal(t, Active, s.State())
	assert.Equal(t, 3, s.TranscriptLen())
	assert.Equal(t, 15, s.Progress())

	res, err = s.Submit(context.Background(), "hello again")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, 5, s.TranscriptLen())
	assert.Len(t, model.calls(), 2, "no automatic retry")
}

func TestSubmitMalformedMarkerKeepsSessionActive(t *testing.T) {
	s := openSession(t, &scriptedModel{replies: []reply{{text: "GOAL_LOCKED: | STEPS: Build it"}}})

	res, err := s.Submit(context.Background(), "ok")
	require.NoError(t, err)
	assert.Nil(t, res.Outcome)
	assert.Equal(t, Active, s.State())
	assert.Nil(t, s.Staged())
}

func TestSkipReportsNoOutcome(t *testing.T) {
	var completed []SessionOutcome
	s := openSession(t, &scriptedModel{}, func(p *OpenProps) {
		p.OnComplete = func(_ context.Context, o SessionOutcome) { completed = append(completed, o) }
	})

	require.True(t, s.Skip())
	assert.Equal(t, Complete, s.State())

	out, err := s.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoOutcome{}, out)
	assert.Equal(t, []SessionOutcome{NoOutcome{}}, completed)
}

func TestCloseWhileLockingKeepsStagedOutcome(t *testing.T) {
	s := openSession(t, &scriptedModel{replies: []reply{{text: "PROGRESS_SYNC: m-0, m-2"}}}, func(p *OpenProps) {
		p.SettleDelay = time.Hour
	})

	_, err := s.Submit(context.Background(), "landing page and v1 are shipped")
	require.NoError(t, err)
	require.Equal(t, Locking, s.State())

	out, err := s.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProgressSynced{CompletedMilestoneIDs: []string{"m-0", "m-2"}}, out)
	assert.Equal(t, Complete, s.State())
}

func TestSettleAfterDelay(t *testing.T) {
	settled := make(chan *Session, 1)
	s := openSession(t, &scriptedModel{replies: []reply{{text: "CHAPTER SYNCED"}}}, func(p *OpenProps) {
		p.SettleDelay = 10 * time.Millisecond
		p.OnSettled = func(s *Session) { settled <- s }
	})

	res, err := s.Submit(context.Background(), "scene one is the kitchen")
	require.NoError(t, err)
	assert.Equal(t, Locking, res.State)

	select {
	case got := <-settled:
		assert.Same(t, s, got)
	case <-time.After(2 * time.Second):
		t.Fatal("session never settled")
	}
	assert.Equal(t, Complete, s.State())

	out, err := s.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StepVerified{}, out)
}

func TestCompleteNeverReturnsToActive(t *testing.T) {
	s := openSession(t, &scriptedModel{replies: []reply{{text: "STEP VERIFIED"}}})
	_, err := s.Submit(context.Background(), "done")
	require.NoError(t, err)
	require.Equal(t, Complete, s.State())

	s.Skip()
	_, _ = s.Submit(context.Background(), "again")
	assert.Equal(t, Complete, s.State())

	_, err = s.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Complete, s.State())
}

func TestCloseDiscardsInFlightReply(t *testing.T) {
	var completed []SessionOutcome
	model := newBlockingModel("GOAL_LOCKED: Too late")
	s := openSession(t, model, func(p *OpenProps) {
		p.OnComplete = func(_ context.Context, o SessionOutcome) { completed = append(completed, o) }
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), "lock it")
		done <- err
	}()
	<-model.started

	out, err := s.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoOutcome{}, out)

	assert.ErrorIs(t, <-done, ErrSessionClosed)
	assert.Equal(t, 2, s.TranscriptLen(), "the late reply is never appended")
	assert.Equal(t, Complete, s.State())
	assert.Equal(t, []SessionOutcome{NoOutcome{}}, completed)
}

func TestFinalizeMisuseFailsLoudly(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	s := openSession(t, &scriptedModel{}, func(p *OpenProps) {
		p.Logger = logger.Wrap(zap.New(core))
	})

	_, err := s.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrNotComplete)
	assert.Equal(t, 1, logs.FilterMessage("[Coach] Finalize called out of order").Len())
	assert.False(t, s.Closed())

	s.Skip()
	_, err = s.Finalize(context.Background())
	require.NoError(t, err)

	_, err = s.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Equal(t, 2, logs.FilterMessage("[Coach] Finalize called out of order").Len())
}

func TestSnapshot(t *testing.T) {
	s := openSession(t, &scriptedModel{replies: []reply{{text: "STEPS: Call investors, Draft deck"}}}, func(p *OpenProps) {
		p.SettleDelay = time.Hour
	})
	_, err := s.Submit(context.Background(), "ok")
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, "session-1", snap.ID)
	assert.Equal(t, "locking", snap.State)
	assert.Equal(t, 100, snap.Progress)
	assert.Len(t, snap.Transcript, 3)
	require.NotNil(t, snap.Staged)
	assert.Equal(t, KindStepsLocked, snap.Staged.Kind)

	_, err = s.Close(context.Background())
	require.NoError(t, err)
}
