package models

import "time"

// Metadata keys recognized on UsageRecord.Metadata.
const (
	UsageMetaRequestID = "request_id"
	UsageMetaEstimated = "estimated"
)

// UsageRecord is one immutable ledger entry for a provider call.
// Cost is in USD, derived from the model price table unless the adapter
// supplied it on the wire.
type UsageRecord struct {
	Model        string         `json:"model"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	CachedTokens int            `json:"cached_tokens,omitempty"`
	ImageCount   int            `json:"image_count,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Cost         float64        `json:"cost"`
	Timestamp    time.Time      `json:"timestamp"`
}

// RequestID returns the request id from metadata, if any.
func (u *UsageRecord) RequestID() string {
	if u.Metadata == nil {
		return ""
	}
	if id, ok := u.Metadata[UsageMetaRequestID].(string); ok {
		return id
	}
	return ""
}

// Estimated reports whether the token counts were estimated rather than
// reported by the provider.
func (u *UsageRecord) Estimated() bool {
	if u.Metadata == nil {
		return false
	}
	est, ok := u.Metadata[UsageMetaEstimated].(bool)
	return ok && est
}
