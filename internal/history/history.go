// Package history archives relayed chat ciphertext per participant pair.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrUnsupported = errors.New("history: range query not supported by this backend")

// Record is one archived chat frame. Ciphertext is the opaque payload.
type Record struct {
	MsgID      int64           `json:"msg_id"`
	ConvID     string          `json:"conv_id"`
	Sender     string          `json:"sender"`
	Recipient  string          `json:"recipient"`
	Ciphertext json.RawMessage `json:"ciphertext"`
	CreateTime time.Time       `json:"create_time"`
}

type Store interface {
	Append(ctx context.Context, sender, recipient string, ciphertext json.RawMessage) error
	// RangeQuery returns the pair's records with MsgID > afterID, oldest first.
	RangeQuery(ctx context.Context, userA, userB string, afterID int64, limit int) ([]Record, error)
}

// ConvID names the pair independent of direction.
func ConvID(a, b string) string {
	if a < b {
		return "p2p:" + a + ":" + b
	}
	return "p2p:" + b + ":" + a
}

// Nop discards everything.
type Nop struct{}

func (Nop) Append(context.Context, string, string, json.RawMessage) error { return nil }

func (Nop) RangeQuery(context.Context, string, string, int64, int) ([]Record, error) {
	return nil, ErrUnsupported
}
