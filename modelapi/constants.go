package modelapi

import (
	"errors"
	"time"
)

const (
	GEMINI_MODEL_NAME    = "gemini-2.5-flash"
	GROQ_MODEL_NAME      = "moonshotai/kimi-k2-instruct"
	OPENAI_MODEL_NAME    = "gpt-4o-mini"
	DEEPINFRA_MODEL_NAME = "meta-llama/Meta-Llama-3.1-70B-Instruct"
	DEEPINFRA_BASE_URL   = "https://api.deepinfra.com/v1/openai"

	// Coaching replies are capped at a few dozen words by the persona
	// instruction; this only bounds runaway generations.
	MAX_OUTPUT_TOKENS = 512

	DEFAULT_MAX_ATTEMPTS = 1
	BASE_RETRY_DELAY     = 1 * time.Second
)

var ErrEmptyResponse = errors.New("modelapi: empty response")

// ExponentialBackoff is the pause before retry number attempt (0-based).
func ExponentialBackoff(attempt int) time.Duration {
	return BASE_RETRY_DELAY * time.Duration(1<<uint(attempt))
}

// Attempts normalizes a configured attempt count.
func Attempts(n int) int {
	if n < 1 {
		return DEFAULT_MAX_ATTEMPTS
	}
	return n
}
