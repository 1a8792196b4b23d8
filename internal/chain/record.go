// Package chain implements the hash-chain protocol: canonical record
// encoding, identity hashes, chain verification and Merkle roots.
package chain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/angelmondragon/compliance-ledger/internal/events"
)

// Record is one admitted, immutable ledger entry.
type Record struct {
	Hash           string
	ChainID        string
	Sequence       int64
	Event          events.Event
	Metadata       map[string]any
	Timestamp      time.Time
	PreviousHash   string
	Signature      string
	SignatureKeyID string
}

// Content is the part of a record covered by its identity hash.
type Content struct {
	ChainID      string
	Event        events.Event
	Metadata     map[string]any
	Timestamp    time.Time
	PreviousHash string
}

func (r Record) Content() Content {
	return Content{
		ChainID:      r.ChainID,
		Event:        r.Event,
		Metadata:     r.Metadata,
		Timestamp:    r.Timestamp,
		PreviousHash: r.PreviousHash,
	}
}

// IsGenesis reports whether r is the first record of its chain.
func (r Record) IsGenesis() bool {
	return r.PreviousHash == ""
}

// EncodeContent returns the canonical byte form of c.
func EncodeContent(c Content) ([]byte, error) {
	if c.Event == nil {
		return nil, fmt.Errorf("encode content: event is required")
	}
	eventJSON, err := events.Marshal(c.Event)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	doc := map[string]any{
		"chain_id":  c.ChainID,
		"event":     json.RawMessage(eventJSON),
		"metadata":  c.Metadata,
		"timestamp": c.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if c.PreviousHash != "" {
		doc["previous_hash"] = c.PreviousHash
	}
	return CanonicalJSON(doc)
}

// IdentityHash computes the hex digest of c's canonical encoding.
func IdentityHash(c Content, d Digester) (string, error) {
	encoded, err := EncodeContent(c)
	if err != nil {
		return "", err
	}
	return hexSum(d, encoded), nil
}
