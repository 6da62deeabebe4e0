package academy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"masterclassdev/catalog"
	"masterclassdev/coach"
	"masterclassdev/logger"
	"masterclassdev/progress"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ErrUnknownSession = errors.New("academy: unknown session")

type AcademyConnectProps struct {
	Logger      *logger.LogMiddleware
	Catalog     *catalog.Catalog
	Store       progress.Store
	Model       coach.LanguageModel
	Temperature float32
	SettleDelay time.Duration
	Now         func() time.Time
}

// Academy opens coaching sessions against a learner's stored progress and
// folds every finished session back into the store.
type Academy struct {
	logger      *logger.LogMiddleware
	catalog     *catalog.Catalog
	store       progress.Store
	model       coach.LanguageModel
	temperature float32
	settleDelay time.Duration
	now         func() time.Time

	mu        sync.Mutex
	sessions  map[string]*enrollment
	byLearner map[string]string
}

type enrollment struct {
	session    *coach.Session
	key        progress.Key
	series     catalog.Series
	episode    catalog.Episode
	onFinished func(Finished)
}

// Finished describes a session that has been closed and applied.
type Finished struct {
	SessionID string
	LearnerID string
	Series    catalog.Series
	Episode   catalog.Episode
	Outcome   coach.SessionOutcome
	Record    progress.Record
	// Changed is false when the outcome left the record as it was.
	Changed bool
	Err     error
}

// Unlocked reports whether the session moved the learner to a new episode.
func (f Finished) Unlocked() bool {
	return f.Err == nil && f.Record.Episode > f.Episode.ID
}

type OpenArgs struct {
	LearnerID string
	SeriesID  string
	// OnFinished runs once the session is closed and its outcome stored.
	OnFinished func(Finished)
}

// SeriesProgress is a learner's standing in one series.
type SeriesProgress struct {
	Series  catalog.Series  `json:"series"`
	Record  progress.Record `json:"record"`
	Current catalog.Episode `json:"current"`
	Percent int             `json:"percent"`
}

func Connect(args AcademyConnectProps) (*Academy, error) {
	if args.Catalog == nil || args.Store == nil || args.Model == nil {
		return nil, fmt.Errorf("academy: catalog, store and model are required")
	}
	if args.Logger == nil {
		args.Logger = logger.Nop()
	}
	if args.Now == nil {
		args.Now = time.Now
	}
	return &Academy{
		logger:      args.Logger,
		catalog:     args.Catalog,
		store:       args.Store,
		model:       args.Model,
		temperature: args.Temperature,
		settleDelay: args.SettleDelay,
		now:         args.Now,
		sessions:    map[string]*enrollment{},
		byLearner:   map[string]string{},
	}, nil
}

func (a *Academy) Catalog() *catalog.Catalog {
	return a.catalog
}

func currentEpisode(s catalog.Series, rec progress.Record) (catalog.Episode, error) {
	return s.Episode(min(max(rec.Episode, 1), len(s.Episodes)))
}

// Open starts a coaching session for the learner's current episode of the
// series. A session the learner still has open is closed first.
func (a *Academy) Open(ctx context.Context, args OpenArgs) (*coach.Session, error) {
	tracer := otel.Tracer("academy/Open")
	ctx, span := tracer.Start(ctx, "Open")
	defer span.End()
	span.SetAttributes(
		attribute.String("learner.id", args.LearnerID),
		attribute.String("series.id", args.SeriesID))

	series, err := a.catalog.Series(args.SeriesID)
	if err != nil {
		return nil, err
	}
	key := progress.Key{LearnerID: args.LearnerID, SeriesID: series.ID}
	rec, err := a.store.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("academy: load progress: %w", err)
	}
	ep, err := currentEpisode(series, rec)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	prev, hasPrev := a.byLearner[args.LearnerID]
	a.mu.Unlock()
	if hasPrev {
		if _, err := a.Close(ctx, prev); err != nil && !errors.Is(err, ErrUnknownSession) && !errors.Is(err, coach.ErrSessionClosed) {
			a.logger.Logger(ctx).Warn("[Academy] Could not close previous session", zap.String("session_id", prev), zap.Error(err))
		}
	}

	enr := &enrollment{key: key, series: series, episode: ep, onFinished: args.OnFinished}
	id := uuid.NewString()
	session, err := coach.Open(ctx, coach.OpenProps{
		ID: id,
		Persona: coach.PersonaContext{
			CharacterID: series.Character,
			StageIndex:  ep.ID,
			PriorGoal:   rec.Goal,
		},
		Greeting:    catalog.Greeting(ep),
		Model:       a.model,
		Logger:      a.logger,
		Temperature: a.temperature,
		SettleDelay: a.settleDelay,
		OnSettled:   a.settled,
		OnComplete: func(ctx context.Context, outcome coach.SessionOutcome) {
			a.complete(ctx, id, enr, outcome)
		},
		Now: a.now,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	enr.session = session

	a.mu.Lock()
	a.sessions[id] = enr
	a.byLearner[args.LearnerID] = id
	a.mu.Unlock()

	a.logger.Logger(ctx).Info("[Academy] Session opened",
		zap.String("session_id", id),
		zap.String("learner_id", args.LearnerID),
		zap.String("series_id", series.ID),
		zap.Int("episode", ep.ID))
	return session, nil
}

// settled finalizes a session as soon as its settle delay has elapsed.
func (a *Academy) settled(s *coach.Session) {
	if _, err := s.Finalize(context.Background()); err != nil && !errors.Is(err, coach.ErrAlreadyFinalized) {
		a.logger.Logger(context.Background()).Error("[Academy] Could not finalize settled session",
			zap.String("session_id", s.ID()), zap.Error(err))
	}
}

func (a *Academy) complete(ctx context.Context, id string, enr *enrollment, outcome coach.SessionOutcome) {
	ctx = context.WithoutCancel(ctx)
	tracer := otel.Tracer("academy/complete")
	ctx, span := tracer.Start(ctx, "complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", id),
		attribute.String("outcome.kind", string(outcome.Kind())))

	a.mu.Lock()
	delete(a.sessions, id)
	if a.byLearner[enr.key.LearnerID] == id {
		delete(a.byLearner, enr.key.LearnerID)
	}
	a.mu.Unlock()

	fin := Finished{
		SessionID: id,
		LearnerID: enr.key.LearnerID,
		Series:    enr.series,
		Episode:   enr.episode,
		Outcome:   outcome,
	}
	fin.Record, fin.Err = a.store.Update(ctx, enr.key, func(rec *progress.Record) error {
		fin.Changed = progress.Apply(rec, outcome, progress.ApplyProps{
			StageIndex:    enr.episode.ID,
			EpisodeCount:  len(enr.series.Episodes),
			Now:           a.now(),
			FallbackTitle: enr.episode.ChatGoal,
		})
		return nil
	})

	log := a.logger.Logger(ctx).With(
		zap.String("session_id", id),
		zap.String("key", enr.key.String()),
		zap.String("outcome", string(outcome.Kind())))
	if fin.Err != nil {
		span.RecordError(fin.Err)
		log.Error("[Academy] Could not store session outcome", zap.Error(fin.Err))
	} else {
		log.Info("[Academy] Session outcome stored",
			zap.Bool("changed", fin.Changed),
			zap.Int("episode", fin.Record.Episode),
			zap.Int("xp", fin.Record.XP))
	}

	if enr.onFinished != nil {
		enr.onFinished(fin)
	}
}

func (a *Academy) lookup(id string) (*enrollment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	enr, ok := a.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return enr, nil
}

func (a *Academy) Session(id string) (*coach.Session, error) {
	enr, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	return enr.session, nil
}

// Current returns the session the learner has open, if any.
func (a *Academy) Current(learnerID string) (*coach.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byLearner[learnerID]
	if !ok {
		return nil, false
	}
	return a.sessions[id].session, true
}

func (a *Academy) Submit(ctx context.Context, sessionID, text string) (coach.SubmitResult, error) {
	enr, err := a.lookup(sessionID)
	if err != nil {
		return coach.SubmitResult{}, err
	}
	return enr.session.Submit(ctx, text)
}

// Skip force-completes the session and closes it. A skipped negotiation
// reports NoOutcome and leaves progress untouched.
func (a *Academy) Skip(ctx context.Context, sessionID string) (coach.SessionOutcome, error) {
	enr, err := a.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	enr.session.Skip()
	return enr.session.Finalize(ctx)
}

func (a *Academy) Close(ctx context.Context, sessionID string) (coach.SessionOutcome, error) {
	enr, err := a.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return enr.session.Close(ctx)
}

// Shutdown closes every open session.
func (a *Academy) Shutdown(ctx context.Context) {
	a.mu.Lock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		if _, err := a.Close(ctx, id); err != nil && !errors.Is(err, ErrUnknownSession) {
			a.logger.Logger(ctx).Warn("[Academy] Could not close session on shutdown", zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (a *Academy) Profile(ctx context.Context, learnerID, seriesID string) (SeriesProgress, error) {
	series, err := a.catalog.Series(seriesID)
	if err != nil {
		return SeriesProgress{}, err
	}
	rec, err := a.store.Get(ctx, progress.Key{LearnerID: learnerID, SeriesID: series.ID})
	if err != nil {
		return SeriesProgress{}, fmt.Errorf("academy: load progress: %w", err)
	}
	return a.standing(series, rec)
}

func (a *Academy) standing(series catalog.Series, rec progress.Record) (SeriesProgress, error) {
	ep, err := currentEpisode(series, rec)
	if err != nil {
		return SeriesProgress{}, err
	}
	return SeriesProgress{
		Series:  series,
		Record:  rec,
		Current: ep,
		Percent: rec.Percent(len(series.Episodes)),
	}, nil
}

// Progress lists the learner's standing in every series of the catalog.
func (a *Academy) Progress(ctx context.Context, learnerID string) ([]SeriesProgress, error) {
	tracer := otel.Tracer("academy/Progress")
	ctx, span := tracer.Start(ctx, "Progress")
	defer span.End()

	stored, err := a.store.List(ctx, learnerID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("academy: list progress: %w", err)
	}
	byID := make(map[string]progress.Record, len(stored))
	for _, rec := range stored {
		byID[rec.SeriesID] = rec
	}

	var out []SeriesProgress
	for _, series := range a.catalog.List() {
		rec, ok := byID[series.ID]
		if !ok {
			rec = progress.NewRecord(progress.Key{LearnerID: learnerID, SeriesID: series.ID})
		}
		sp, err := a.standing(series, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, nil
}
