package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HistoryCursor is a restartable keyset position in an account's
// transaction history (reverse chronological). The zero value means
// "start from the newest transaction".
type HistoryCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// IsZero reports whether the cursor points at the start of the history.
func (c HistoryCursor) IsZero() bool {
	return c.CreatedAt.IsZero()
}

// Encode renders the cursor as an opaque URL-safe token.
func (c HistoryCursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := fmt.Sprintf("%s|%s", c.CreatedAt.UTC().Format(time.RFC3339Nano), c.ID)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeHistoryCursor parses a token produced by Encode. An empty token
// yields the zero cursor.
func DecodeHistoryCursor(token string) (HistoryCursor, error) {
	if token == "" {
		return HistoryCursor{}, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return HistoryCursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return HistoryCursor{}, fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return HistoryCursor{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return HistoryCursor{}, fmt.Errorf("malformed cursor id: %w", err)
	}
	return HistoryCursor{CreatedAt: ts, ID: id}, nil
}
