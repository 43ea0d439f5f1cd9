package opqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"ledger-opqueue/internal/models"
)

// DeriveKey returns the idempotency key for a kind and payload.
// Map keys are encoded in sorted order, so payloads with the same content
// always derive the same key regardless of construction order.
func DeriveKey(kind models.Kind, payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(raw)
	return string(kind) + ":" + hex.EncodeToString(h.Sum(nil)), nil
}
