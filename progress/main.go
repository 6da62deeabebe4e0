package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"masterclassdev/coach"
	"masterclassdev/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ErrInvalidKey = errors.New("progress: learner and series ids are required")

// Key identifies one learner's progress through one series.
type Key struct {
	LearnerID string
	SeriesID  string
}

func (k Key) Validate() error {
	if k.LearnerID == "" || k.SeriesID == "" {
		return ErrInvalidKey
	}
	return nil
}

func (k Key) String() string {
	return k.LearnerID + "/" + k.SeriesID
}

// Record is everything the application tracks for a learner in a series.
// Episode is 1-based and starts at 1.
type Record struct {
	LearnerID  string      `json:"learnerId"`
	SeriesID   string      `json:"seriesId"`
	Episode    int         `json:"episode"`
	Goal       *coach.Goal `json:"goal,omitempty"`
	XP         int         `json:"xp"`
	Streak     int         `json:"streak"`
	LastActive time.Time   `json:"lastActive"`
}

func NewRecord(k Key) Record {
	return Record{LearnerID: k.LearnerID, SeriesID: k.SeriesID, Episode: 1}
}

func (r Record) Key() Key {
	return Key{LearnerID: r.LearnerID, SeriesID: r.SeriesID}
}

// Percent is the share of the series unlocked so far.
func (r Record) Percent(episodes int) int {
	if episodes <= 0 {
		return 0
	}
	ep := min(max(r.Episode, 1), episodes)
	return 100 * ep / episodes
}

func (r Record) Clone() Record {
	if r.Goal != nil {
		g := r.Goal.Clone()
		r.Goal = &g
	}
	return r
}

// Store persists progress records. Get returns a fresh record for a key that
// was never written. Update runs fn against the current record and writes the
// result back atomically; an error from fn aborts the write.
type Store interface {
	Get(ctx context.Context, k Key) (Record, error)
	Update(ctx context.Context, k Key, fn func(*Record) error) (Record, error)
	List(ctx context.Context, learnerID string) ([]Record, error)
}

type MemoryStoreConnectProps struct {
	Logger *logger.LogMiddleware
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	logger  *logger.LogMiddleware
	mu      sync.Mutex
	records map[Key]Record
}

func NewMemoryStore(args MemoryStoreConnectProps) *MemoryStore {
	if args.Logger == nil {
		args.Logger = logger.Nop()
	}
	return &MemoryStore{logger: args.Logger, records: map[Key]Record{}}
}

func (m *MemoryStore) Get(ctx context.Context, k Key) (Record, error) {
	if err := k.Validate(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[k]
	if !ok {
		return NewRecord(k), nil
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, k Key, fn func(*Record) error) (Record, error) {
	tracer := otel.Tracer("progress/MemoryStore.Update")
	ctx, span := tracer.Start(ctx, "Update")
	defer span.End()
	span.SetAttributes(attribute.String("progress.key", k.String()))

	if err := k.Validate(); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[k]
	if !ok {
		rec = NewRecord(k)
	}
	rec = rec.Clone()
	if err := fn(&rec); err != nil {
		span.RecordError(err)
		m.logger.Logger(ctx).Error("[MemoryStore] Update aborted", zap.String("key", k.String()), zap.Error(err))
		return Record{}, fmt.Errorf("progress: update %s: %w", k, err)
	}
	m.records[k] = rec
	return rec.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, learnerID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for k, rec := range m.records {
		if k.LearnerID == learnerID {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

// EncodeGoal is the column encoding of a record's goal. A nil goal encodes
// as nil.
func EncodeGoal(g *coach.Goal) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	return json.Marshal(g)
}

func DecodeGoal(data []byte) (*coach.Goal, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var g coach.Goal
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("progress: decode goal: %w", err)
	}
	return &g, nil
}
