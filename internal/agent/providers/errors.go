package providers

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/ensemble/internal/agent"
)

// classifyOpenAI converts go-openai error types into classified request
// errors, pulling the HTTP status out of whichever wrapper carried it.
func classifyOpenAI(provider string, err error) *agent.RequestError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		out := agent.Classify(provider, apiErr.HTTPStatusCode, err)
		if out.Kind == agent.KindRateLimit {
			out.WithRetryAfter(retryAfterFromMessage(apiErr.Message))
		}
		return out
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return agent.Classify(provider, reqErr.HTTPStatusCode, err)
	}
	return agent.Classify(provider, 0, err)
}

// classifyAnthropic converts anthropic-sdk-go errors.
func classifyAnthropic(err error) *agent.RequestError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		out := agent.Classify("anthropic", apiErr.StatusCode, err)
		if out.Kind == agent.KindRateLimit && apiErr.Response != nil {
			if v := apiErr.Response.Header.Get("retry-after"); v != "" {
				if secs, convErr := strconv.ParseFloat(v, 64); convErr == nil && secs > 0 {
					out.WithRetryAfter(time.Duration(secs * float64(time.Second)))
				}
			}
		}
		return out
	}
	return agent.Classify("anthropic", 0, err)
}

// classifyGoogle converts genai SDK errors. The SDK surfaces failures as
// wrapped messages carrying the upstream status text, so classification
// works off the message shape.
func classifyGoogle(err error) *agent.RequestError {
	return agent.Classify("google", 0, err)
}

// retryAfterFromMessage scrapes OpenAI's "Please try again in 20s" wording
// out of 429 bodies. Zero means no hint.
func retryAfterFromMessage(msg string) time.Duration {
	const marker = "try again in "
	idx := strings.Index(strings.ToLower(msg), marker)
	if idx < 0 {
		return 0
	}
	rest := msg[idx+len(marker):]
	end := 0
	for end < len(rest) && (rest[end] >= '0' && rest[end] <= '9' || rest[end] == '.') {
		end++
	}
	if end == 0 {
		return 0
	}
	value, err := strconv.ParseFloat(rest[:end], 64)
	if err != nil || value <= 0 {
		return 0
	}
	unit := rest[end:]
	switch {
	case strings.HasPrefix(unit, "ms"):
		return time.Duration(value * float64(time.Millisecond))
	case strings.HasPrefix(unit, "m"):
		return time.Duration(value * float64(time.Minute))
	default:
		return time.Duration(value * float64(time.Second))
	}
}
