package payments

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
)

var ErrMalformedWebhook = errors.New("malformed webhook body")

// WebhookEnvelope is the outer shape of a gateway event callback.
type WebhookEnvelope struct {
	Entity    string          `json:"entity"`
	AccountID string          `json:"account_id"`
	Event     string          `json:"event"`
	Contains  []string        `json:"contains"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// ParseWebhook decodes the envelope. Verification must already have run on the same raw bytes.
func ParseWebhook(raw []byte) (*WebhookEnvelope, error) {
	var env WebhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformedWebhook
	}
	if env.Event == "" {
		return nil, ErrMalformedWebhook
	}
	return &env, nil
}

// EventID prefers the gateway's event id header and falls back to a digest of the body.
func EventID(headerValue string, raw []byte) string {
	if headerValue != "" {
		return headerValue
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}
