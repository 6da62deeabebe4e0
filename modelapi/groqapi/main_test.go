package groqapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"masterclassdev/coach"
	"masterclassdev/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var request = coach.GenerateRequest{
	History: []coach.Message{
		{Role: coach.RoleAssistant, Text: "Ready for \"Set Vision\"?"},
		{Role: coach.RoleUser, Text: "A film about my grandmother"},
	},
	SystemInstruction: "You are Debu.",
	Temperature:       0.8,
}

func TestBuildMessages(t *testing.T) {
	got := BuildMessages(request)
	assert.Equal(t, []ChatCompletionInputMessage{
		{Role: SYSTEM, Content: "You are Debu."},
		{Role: ASSISTANT, Content: "Ready for \"Set Vision\"?"},
		{Role: USER, Content: "A film about my grandmother"},
	}, got)
}

func TestGenerate(t *testing.T) {
	var got ChatRequestInput
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gsk_test", r.Header.Get("authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		io.WriteString(w, `{"model":"kimi","choices":[{"index":0,"message":{"role":"assistant","content":" BLUEPRINT LOCKED: Grandma's letters "}}]}`)
	}))
	defer server.Close()

	groq := Connect(context.Background(), GroqConnectProps{Logger: logger.Nop(), APIKey: "gsk_test", URL: server.URL})

	reply, err := groq.Generate(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, "BLUEPRINT LOCKED: Grandma's letters", reply)
	assert.Equal(t, "moonshotai/kimi-k2-instruct", got.Model)
	assert.InDelta(t, 0.8, got.Temperature, 1e-6)
	assert.Len(t, got.Messages, 3)
}

func TestGenerateDoesNotRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	groq := Connect(context.Background(), GroqConnectProps{Logger: logger.Nop(), URL: server.URL})
	_, err := groq.Generate(context.Background(), request)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateSkipsRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	groq := Connect(context.Background(), GroqConnectProps{Logger: logger.Nop(), URL: server.URL, MaxAttempts: 3})
	_, err := groq.Generate(context.Background(), request)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"content":"  "}}]}`)
	}))
	defer server.Close()

	groq := Connect(context.Background(), GroqConnectProps{Logger: logger.Nop(), URL: server.URL})
	_, err := groq.Generate(context.Background(), request)
	assert.Error(t, err)
}

func TestGenerateLive(t *testing.T) {
	apiKey := os.Getenv("GROQ_SECRET_KEY")
	if apiKey == "" {
		t.Skip("GROQ_SECRET_KEY environment variable not set, skipping test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	groq := Connect(ctx, GroqConnectProps{Logger: logger.Connect(logger.LoggerConnectProps{}), APIKey: apiKey})

	response, err := groq.Generate(ctx, coach.GenerateRequest{
		History:           []coach.Message{{Role: coach.RoleUser, Text: "Hello, how are you?"}},
		SystemInstruction: coach.InstructionFor(coach.PersonaContext{CharacterID: "anish", StageIndex: 1}),
		Temperature:       0.8,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if response == "" {
		t.Error("Expected non-empty response, got empty string")
	}
	t.Logf("Response received: %s", response)
}
