package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"masterclassdev/academy"
	"masterclassdev/catalog"
	"masterclassdev/coach"
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

func newServer(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	a, err := academy.Connect(academy.AcademyConnectProps{
		Catalog:     catalog.Default(),
		Store:       progress.NewMemoryStore(progress.MemoryStoreConnectProps{}),
		Model:       &scriptedModel{replies: replies},
		SettleDelay: time.Hour,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(Connect(ServerConnectProps{Logger: logger.Nop(), Academy: a}).Handler())
	t.Cleanup(func() {
		srv.Close()
		a.Shutdown(context.Background())
	})
	return srv
}

func do(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestListSeries(t *testing.T) {
	srv := newServer(t)

	var series []catalog.Series
	assert.Equal(t, http.StatusOK, do(t, "GET", srv.URL+"/series", "", &series))
	require.Len(t, series, 2)
	assert.Equal(t, "startup-boy-anish", series[0].ID)

	assert.Equal(t, http.StatusNoContent, do(t, "GET", srv.URL+"/healthz", "", nil))
}

func TestSessionLifecycle(t *testing.T) {
	srv := newServer(t,
		"What's the one thing you want shipped?",
		"GOAL_LOCKED: Launch MVP | STEPS: Build landing page, Get 10 signups",
	)

	var snap coach.Snapshot
	require.Equal(t, http.StatusCreated, do(t, "POST", srv.URL+"/learners/42/series/startup-boy-anish/sessions", "", &snap))
	assert.Equal(t, "anish", snap.CharacterID)
	assert.Equal(t, 1, snap.Stage)
	require.Len(t, snap.Transcript, 1)

	var res submitResponse
	require.Equal(t, http.StatusOK, do(t, "POST", srv.URL+"/sessions/"+snap.ID+"/messages", `{"text":"hi"}`, &res))
	assert.Equal(t, "active", res.State)
	assert.Equal(t, 35, res.Progress)
	assert.Nil(t, res.Outcome)

	var apiErr errorResponse
	assert.Equal(t, http.StatusBadRequest, do(t, "POST", srv.URL+"/sessions/"+snap.ID+"/messages", `{"text":"  "}`, &apiErr))

	res = submitResponse{}
	require.Equal(t, http.StatusOK, do(t, "POST", srv.URL+"/sessions/"+snap.ID+"/messages", `{"text":"launch"}`, &res))
	assert.Equal(t, 100, res.Progress)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, coach.KindGoalLocked, res.Outcome.Kind)
	assert.Equal(t, "Launch MVP", res.Outcome.Title)

	assert.Equal(t, http.StatusConflict, do(t, "POST", srv.URL+"/sessions/"+snap.ID+"/messages", `{"text":"more"}`, &apiErr))

	var closed outcomeResponse
	require.Equal(t, http.StatusOK, do(t, "DELETE", srv.URL+"/sessions/"+snap.ID, "", &closed))
	assert.Equal(t, coach.KindGoalLocked, closed.Outcome.Kind)
	assert.True(t, closed.Unlocked)
	require.NotNil(t, closed.Record)
	assert.Equal(t, 2, closed.Record.Episode)

	assert.Equal(t, http.StatusNotFound, do(t, "GET", srv.URL+"/sessions/"+snap.ID, "", &apiErr))

	var profile academy.SeriesProgress
	require.Equal(t, http.StatusOK, do(t, "GET", srv.URL+"/learners/42/series/startup-boy-anish", "", &profile))
	assert.Equal(t, 40, profile.Percent)
	assert.Equal(t, 2, profile.Current.ID)
}

func TestSkipReportsNoOutcome(t *testing.T) {
	srv := newServer(t)

	var snap coach.Snapshot
	require.Equal(t, http.StatusCreated, do(t, "POST", srv.URL+"/learners/42/series/deb-filmmaker/sessions", "", &snap))

	var skipped outcomeResponse
	require.Equal(t, http.StatusOK, do(t, "POST", srv.URL+"/sessions/"+snap.ID+"/skip", "", &skipped))
	assert.Equal(t, coach.KindNone, skipped.Outcome.Kind)
	assert.False(t, skipped.Unlocked)

	var list []academy.SeriesProgress
	require.Equal(t, http.StatusOK, do(t, "GET", srv.URL+"/learners/42/progress", "", &list))
	for _, p := range list {
		assert.Equal(t, 1, p.Record.Episode)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv := newServer(t)
	var apiErr errorResponse

	assert.Equal(t, http.StatusNotFound, do(t, "POST", srv.URL+"/learners/42/series/nope/sessions", "", &apiErr))
	assert.Contains(t, apiErr.Error, "unknown series")
	assert.Equal(t, http.StatusNotFound, do(t, "POST", srv.URL+"/sessions/missing/skip", "", &apiErr))
	assert.Equal(t, http.StatusBadRequest, do(t, "POST", srv.URL+"/sessions/missing/messages", "not json", &apiErr))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{coach.ErrEmptyMessage, http.StatusBadRequest},
		{coach.ErrTurnInFlight, http.StatusConflict},
		{coach.ErrSessionNotActive, http.StatusConflict},
		{coach.ErrSessionClosed, http.StatusGone},
		{academy.ErrUnknownSession, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
