package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"masterclassdev/academy"
	"masterclassdev/catalog"
	"masterclassdev/coach"
	"masterclassdev/config"
	"masterclassdev/logger"
	"masterclassdev/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedModel struct {
	mu      sync.Mutex
	replies []string
}

func (m *scriptedModel) Generate(ctx context.Context, req coach.GenerateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func newTestAcademy(t *testing.T, replies ...string) (*academy.Academy, progress.Store) {
	t.Helper()
	store := progress.NewMemoryStore(progress.MemoryStoreConnectProps{})
	a, err := academy.Connect(academy.AcademyConnectProps{
		Catalog:     catalog.Default(),
		Store:       store,
		Model:       &scriptedModel{replies: replies},
		SettleDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return a, store
}

func TestRunChatLocksGoal(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAcademy(t,
		"What do you want shipped in 30 days?",
		"GOAL_LOCKED: Launch MVP | STEPS: Build landing page, Get 10 signups",
	)

	in := strings.NewReader("hi\n\nlaunch an MVP\n")
	var out bytes.Buffer
	require.NoError(t, runChat(ctx, a, "local", "startup-boy-anish", in, &out))

	text := out.String()
	assert.Contains(t, text, `Ready for "Set 30-Day Goal"?`)
	assert.Contains(t, text, "What do you want shipped in 30 days?")
	assert.Contains(t, text, "Mastery Synced")
	assert.Contains(t, text, "Next Episode Unlocked")

	rec, err := store.Get(ctx, progress.Key{LearnerID: "local", SeriesID: "startup-boy-anish"})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Episode)
}

func TestRunChatQuitAndEOF(t *testing.T) {
	ctx := context.Background()

	a, store := newTestAcademy(t)
	var out bytes.Buffer
	require.NoError(t, runChat(ctx, a, "local", "deb-filmmaker", strings.NewReader("/quit\n"), &out))
	assert.Contains(t, out.String(), "Progress unchanged.")

	out.Reset()
	require.NoError(t, runChat(ctx, a, "local", "deb-filmmaker", strings.NewReader(""), &out))
	assert.Contains(t, out.String(), "Progress unchanged.")

	rec, err := store.Get(ctx, progress.Key{LearnerID: "local", SeriesID: "deb-filmmaker"})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Episode)

	err = runChat(ctx, a, "local", "nope", strings.NewReader(""), &out)
	assert.ErrorIs(t, err, catalog.ErrUnknownSeries)
}

func TestConnectStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()

	cfg, err := config.LoadFrom(ctx, map[string]string{})
	require.NoError(t, err)
	store, closer, err := connectStore(ctx, cfg, logger.Nop())
	require.NoError(t, err)
	assert.IsType(t, &progress.MemoryStore{}, store)
	assert.Nil(t, closer)

	cfg, err = config.LoadFrom(ctx, map[string]string{
		"PROGRESS_BACKEND": "sqlite",
		"SQLITE_PATH":      t.TempDir() + "/progress.db",
	})
	require.NoError(t, err)
	store, closer, err = connectStore(ctx, cfg, logger.Nop())
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer()
	_, err = store.Get(ctx, progress.Key{LearnerID: "a", SeriesID: "b"})
	assert.NoError(t, err)
}

func TestConnectModelNeedsKey(t *testing.T) {
	cfg, err := config.LoadFrom(context.Background(), map[string]string{"LLM_PROVIDER": "groq"})
	require.NoError(t, err)
	_, err = connectModel(context.Background(), cfg.LLM, logger.Nop())
	assert.Error(t, err)
}

func TestCatalogCommand(t *testing.T) {
	t.Setenv("CATALOG_PATH", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"catalog"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "startup-boy-anish")
	assert.Contains(t, out.String(), "Final Scalability Plan")
}
