package controllers

import (
	"time"

	"github.com/angelmondragon/compliance-ledger/internal/chain"
	"github.com/angelmondragon/compliance-ledger/internal/compliance"
	"github.com/angelmondragon/compliance-ledger/internal/events"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

// AppendRequest is the body of POST /chains/{chainId}/events. Context holds
// extra rule inputs such as country codes; it is not stored.
type AppendRequest struct {
	Event    events.Envelope `json:"event"`
	Metadata map[string]any  `json:"metadata,omitempty" validate:"max=64"`
	RuleSet  string          `json:"rule_set,omitempty" validate:"omitempty,identifier"`
	Context  map[string]any  `json:"context,omitempty" validate:"max=64"`
}

// EvaluateRequest is the body of POST /chains/{chainId}/evaluate.
type EvaluateRequest struct {
	Event    events.Envelope `json:"event"`
	Metadata map[string]any  `json:"metadata,omitempty" validate:"max=64"`
	Context  map[string]any  `json:"context,omitempty" validate:"max=64"`
}

type RecordView struct {
	Hash           string          `json:"event_hash"`
	ChainID        string          `json:"chain_id"`
	Sequence       int64           `json:"sequence"`
	EventType      enums.EventType `json:"event_type"`
	EntityID       string          `json:"entity_id"`
	Event          events.Envelope `json:"event"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	PreviousHash   *string         `json:"previous_hash"`
	Signature      string          `json:"signature,omitempty"`
	SignatureKeyID string          `json:"signature_key_id,omitempty"`
}

func recordView(rec chain.Record) RecordView {
	view := RecordView{
		Hash:           rec.Hash,
		ChainID:        rec.ChainID,
		Sequence:       rec.Sequence,
		EventType:      rec.Event.Type(),
		EntityID:       rec.Event.EntityID(),
		Event:          events.Envelope{Event: rec.Event},
		Metadata:       rec.Metadata,
		Timestamp:      rec.Timestamp.UTC(),
		Signature:      rec.Signature,
		SignatureKeyID: rec.SignatureKeyID,
	}
	if !rec.IsGenesis() {
		prev := rec.PreviousHash
		view.PreviousHash = &prev
	}
	return view
}

type AuditTrailResponse struct {
	ChainID string       `json:"chain_id"`
	Records []RecordView `json:"records"`
	Count   int          `json:"count"`
	// NextAfterSequence is set when the page was full and more records may follow.
	NextAfterSequence *int64 `json:"next_after_sequence,omitempty"`
}

type EvaluationResponse struct {
	ChainID    string                 `json:"chain_id"`
	RuleSet    string                 `json:"rule_set,omitempty"`
	Threshold  enums.RuleSeverity     `json:"threshold"`
	WouldBlock bool                   `json:"would_block"`
	Violations []compliance.Violation `json:"violations"`
	Blocking   []compliance.Violation `json:"blocking"`
}

type ChainStatusResponse struct {
	ChainID  string            `json:"chain_id"`
	Status   enums.ChainStatus `json:"status"`
	Head     string            `json:"head,omitempty"`
	Sequence int64             `json:"sequence"`
}

type MerkleRootResponse struct {
	ChainID    string `json:"chain_id"`
	MerkleRoot string `json:"merkle_root"`
}

type SealResponse struct {
	ChainID string            `json:"chain_id"`
	Status  enums.ChainStatus `json:"status"`
	Changed bool              `json:"changed"`
}
