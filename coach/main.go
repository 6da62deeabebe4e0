package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"masterclassdev/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultTemperature = 0.8
	DefaultSettleDelay = 1200 * time.Millisecond
	FallbackReply      = "Lag. Say again?"

	initialProgress = 15
	progressStep    = 20
	progressCeiling = 95
	progressLocked  = 100
)

var (
	ErrEmptyMessage     = errors.New("coach: empty message")
	ErrTurnInFlight     = errors.New("coach: a turn is already in flight")
	ErrSessionNotActive = errors.New("coach: session is not accepting input")
	ErrSessionClosed    = errors.New("coach: session closed")
)

type Message struct {
	Role Role
	Text string
}

type GenerateRequest struct {
	History           []Message
	SystemInstruction string
	Temperature       float32
}

// LanguageModel is the external generative-language service. One call
// produces one reply.
type LanguageModel interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

type OpenProps struct {
	ID       string
	Persona  PersonaContext
	Greeting string
	Model    LanguageModel
	Logger   *logger.LogMiddleware

	Temperature float32
	// SettleDelay is the pause between Locking and Complete. Zero settles
	// before Submit returns.
	SettleDelay time.Duration

	// OnSettled runs once the session reaches Complete through a detected
	// marker. It runs outside the session lock and may call Close.
	OnSettled func(*Session)
	// OnComplete receives the finalized outcome, exactly once.
	OnComplete func(context.Context, SessionOutcome)

	Now func() time.Time
}

// Session drives one coaching conversation to a structured outcome.
type Session struct {
	id          string
	persona     PersonaContext
	instruction string
	model       LanguageModel
	logger      *logger.LogMiddleware
	temperature float32
	settleDelay time.Duration
	onSettled   func(*Session)
	onComplete  func(context.Context, SessionOutcome)
	now         func() time.Time
	openedAt    time.Time

	transcript *Transcript
	reporter   *Reporter

	mu          sync.Mutex
	inFlight    bool
	cancelTurn  context.CancelFunc
	settleTimer *time.Timer
	closed      bool
	progress    int
}

type SubmitResult struct {
	// Reply is the assistant turn this submit appended, fallback included.
	Reply *Turn
	// Outcome is the commitment detected in Reply, nil when there was none.
	Outcome  SessionOutcome
	Fallback bool
	State    SessionState
	Progress int
}

type Snapshot struct {
	ID          string         `json:"id"`
	CharacterID string         `json:"characterId"`
	Stage       int            `json:"stage"`
	State       string         `json:"state"`
	Progress    int            `json:"progress"`
	InFlight    bool           `json:"inFlight"`
	Closed      bool           `json:"closed"`
	Transcript  []Turn         `json:"transcript"`
	Staged      *OutcomeRecord `json:"staged,omitempty"`
}

func Open(ctx context.Context, args OpenProps) (*Session, error) {
	tracer := otel.Tracer("coach/Open")
	ctx, span := tracer.Start(ctx, "Open")
	defer span.End()

	if args.Model == nil {
		return nil, fmt.Errorf("coach: language model is required")
	}
	greeting := strings.TrimSpace(args.Greeting)
	if greeting == "" {
		return nil, fmt.Errorf("coach: seed greeting is required")
	}
	if args.Logger == nil {
		args.Logger = logger.Nop()
	}
	if args.Now == nil {
		args.Now = time.Now
	}
	if args.ID == "" {
		args.ID = uuid.NewString()
	}

	now := args.Now()
	s := &Session{
		id:          args.ID,
		persona:     args.Persona,
		instruction: InstructionFor(args.Persona),
		model:       args.Model,
		logger:      args.Logger,
		temperature: args.Temperature,
		settleDelay: args.SettleDelay,
		onSettled:   args.OnSettled,
		onComplete:  args.OnComplete,
		now:         args.Now,
		openedAt:    now,
		transcript:  NewTranscript(greeting, now),
		reporter:    NewReporter(),
		progress:    initialProgress,
	}

	span.SetAttributes(
		attribute.String("session.id", s.id),
		attribute.String("persona.character", args.Persona.CharacterID),
		attribute.Int("persona.stage", args.Persona.StageIndex),
		attribute.Bool("persona.prior_goal", args.Persona.PriorGoal != nil),
	)
	s.log(ctx).Info("[Coach] Session opened")

	return s, nil
}

func (s *Session) log(ctx context.Context) *zap.Logger {
	return s.logger.Session(ctx, s.id, s.persona.CharacterID, s.persona.StageIndex)
}

// Submit runs one exchange with the language service. Rejections return a
// sentinel error and leave the session untouched. A failed or empty reply is
// replaced by FallbackReply and is not an error.
func (s *Session) Submit(ctx context.Context, userText string) (SubmitResult, error) {
	tracer := otel.Tracer("coach/Submit")
	ctx, span := tracer.Start(ctx, "Submit")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.id))

	text := strings.TrimSpace(userText)
	if text == "" {
		return s.result(nil, nil, false), ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed || s.reporter.State() != Active {
		s.mu.Unlock()
		return s.result(nil, nil, false), ErrSessionNotActive
	}
	if s.inFlight {
		s.mu.Unlock()
		return s.result(nil, nil, false), ErrTurnInFlight
	}
	s.inFlight = true
	turnCtx, cancel := context.WithCancel(ctx)
	s.cancelTurn = cancel
	s.transcript.Append(Turn{Role: RoleUser, Text: text, Timestamp: s.stamp()})
	req := GenerateRequest{
		History:           s.transcript.Messages(),
		SystemInstruction: s.instruction,
		Temperature:       s.temperature,
	}
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("history.length", len(req.History)))
	reply, err := s.model.Generate(turnCtx, req)
	cancel()
	reply = strings.TrimSpace(reply)

	s.mu.Lock()
	s.inFlight = false
	s.cancelTurn = nil
	if s.closed || s.reporter.State() != Active {
		s.mu.Unlock()
		s.log(ctx).Info("[Coach] Discarding reply that arrived after the session ended")
		span.AddEvent("ReplyDiscarded")
		return s.result(nil, nil, false), ErrSessionClosed
	}

	if err != nil || reply == "" {
		fallback := Turn{Role: RoleAssistant, Text: FallbackReply, Timestamp: s.stamp()}
		s.transcript.Append(fallback)
		s.mu.Unlock()
		if err != nil {
			span.RecordError(err)
			s.log(ctx).Warn("[Coach] Language service failed, sent fallback reply", zap.Error(err))
		} else {
			s.log(ctx).Warn("[Coach] Language service returned no text, sent fallback reply")
		}
		return s.result(&fallback, nil, true), nil
	}

	turn := Turn{Role: RoleAssistant, Text: reply, Timestamp: s.stamp()}
	s.transcript.Append(turn)
	s.progress = min(s.progress+progressStep, progressCeiling)

	detected := Detect(reply)
	settleNow := false
	switch {
	case IsCommitment(detected):
		s.reporter.Stage(detected)
		s.progress = progressLocked
		if s.settleDelay > 0 {
			s.settleTimer = time.AfterFunc(s.settleDelay, s.settle)
		} else {
			settleNow = true
		}
	case detected != nil:
		s.log(ctx).Warn("[Coach] Marker present but payload malformed, ignoring", zap.String("reply", reply))
		detected = nil
	}
	s.mu.Unlock()

	if detected != nil {
		span.AddEvent("MarkerDetected", trace.WithAttributes(attribute.String("outcome.kind", string(detected.Kind()))))
		s.log(ctx).Info("[Coach] Marker detected, locking session", zap.String("outcome", string(detected.Kind())))
	}
	if settleNow {
		s.settle()
	}
	return s.result(&turn, detected, false), nil
}

func (s *Session) settle() {
	s.mu.Lock()
	s.settleTimer = nil
	if s.closed || !s.reporter.Settle() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log(context.Background()).Info("[Coach] Session settled")
	if s.onSettled != nil {
		s.onSettled(s)
	}
}

// Skip force-completes the session. A session still negotiating completes
// with NoOutcome; a locking one keeps its staged outcome.
func (s *Session) Skip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.stopPendingLocked()
	skipped := s.reporter.Skip()
	if skipped {
		s.log(context.Background()).Info("[Coach] Session skipped", zap.String("state", s.reporter.State().String()))
	}
	return skipped
}

// Finalize reports the outcome of a Complete session and closes it. Calling
// it in any other state, or twice, is a caller bug and is reported as such.
func (s *Session) Finalize(ctx context.Context) (SessionOutcome, error) {
	s.mu.Lock()
	outcome, err := s.finalizeLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.complete(ctx, outcome)
	return outcome, nil
}

// Close ends the session at any point and reports its outcome: NoOutcome
// while negotiating, the staged outcome once a marker was detected.
func (s *Session) Close(ctx context.Context) (SessionOutcome, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.stopPendingLocked()
	s.reporter.Skip()
	outcome, err := s.finalizeLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.complete(ctx, outcome)
	return outcome, nil
}

func (s *Session) finalizeLocked(ctx context.Context) (SessionOutcome, error) {
	outcome, err := s.reporter.Finalize()
	if err != nil {
		s.log(ctx).Error("[Coach] Finalize called out of order",
			zap.Error(err),
			zap.String("state", s.reporter.State().String()))
		return nil, err
	}
	s.closed = true
	s.stopPendingLocked()
	return outcome, nil
}

func (s *Session) complete(ctx context.Context, outcome SessionOutcome) {
	s.log(ctx).Info("[Coach] Session closed", zap.String("outcome", string(outcome.Kind())))
	if s.onComplete != nil {
		s.onComplete(ctx, outcome)
	}
}

func (s *Session) stopPendingLocked() {
	if s.cancelTurn != nil {
		s.cancelTurn()
		s.cancelTurn = nil
	}
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
}

func (s *Session) stamp() string {
	return s.now().Format(timestampLayout)
}

func (s *Session) result(reply *Turn, outcome SessionOutcome, fallback bool) SubmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubmitResult{
		Reply:    reply,
		Outcome:  outcome,
		Fallback: fallback,
		State:    s.reporter.State(),
		Progress: s.progress,
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) Persona() PersonaContext { return s.persona }
func (s *Session) Instruction() string { return s.instruction }
func (s *Session) OpenedAt() time.Time { return s.openedAt }
func (s *Session) State() SessionState { return s.reporter.State() }
func (s *Session) Staged() SessionOutcome { return s.reporter.Staged() }
func (s *Session) Transcript() []Turn { return s.transcript.History() }
func (s *Session) TranscriptLen() int { return s.transcript.Len() }

func (s *Session) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:          s.id,
		CharacterID: s.persona.CharacterID,
		Stage:       s.persona.StageIndex,
		State:       s.reporter.State().String(),
		Progress:    s.progress,
		InFlight:    s.inFlight,
		Closed:      s.closed,
		Transcript:  s.transcript.History(),
	}
	if staged := s.reporter.Staged(); staged != nil {
		rec := Record(staged)
		snap.Staged = &rec
	}
	return snap
}
