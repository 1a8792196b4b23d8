// Package ledger admits events into hash-chained, append-only ledgers after
// structural validation and compliance evaluation.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/compliance-ledger/internal/chain"
	"github.com/angelmondragon/compliance-ledger/internal/compliance"
	"github.com/angelmondragon/compliance-ledger/internal/events"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox/payloads"
)

// Admission outcomes reported to Metrics.
const (
	OutcomeAppended           = "appended"
	OutcomeRejectedValidation = "rejected_validation"
	OutcomeRejectedCompliance = "rejected_compliance"
	OutcomeRejectedSealed     = "rejected_sealed"
	OutcomeTimeout            = "timeout"
	OutcomeFailed             = "failed"
)

// Signer attaches a signature to a record identity hash.
type Signer interface {
	SignRecord(chainID, hash string) (signature, keyID string, err error)
}

// Metrics receives admission and verification observations.
type Metrics interface {
	ObserveAppend(chainID string, eventType enums.EventType, outcome string, elapsed time.Duration)
	ObserveIntegrity(chainID string, valid bool, records int)
	ObserveSeal(chainID string)
}

// Params wires a Ledger. Store, Policy and Digester are required.
type Params struct {
	ChainID       string
	Store         Store
	Policy        compliance.PolicySource
	Digester      chain.Digester
	Lock          ChainLock
	Signer        Signer
	Metrics       Metrics
	Logger        *logger.Logger
	AppendTimeout time.Duration
	Clock         func() time.Time
}

// Ledger is one compliance-gated hash chain. Appends and seals on the same
// chain are serialised through Lock; reads go straight to the store.
type Ledger struct {
	chainID       string
	store         Store
	policy        compliance.PolicySource
	digester      chain.Digester
	lock          ChainLock
	signer        Signer
	metrics       Metrics
	logg          *logger.Logger
	appendTimeout time.Duration
	clock         func() time.Time
}

func New(p Params) (*Ledger, error) {
	if err := ValidateChainID(p.ChainID); err != nil {
		return nil, err
	}
	if p.Store == nil {
		return nil, errors.New("ledger store required")
	}
	if p.Policy == nil {
		return nil, errors.New("compliance policy required")
	}
	if p.Digester == nil {
		return nil, errors.New("digester required")
	}
	if p.Lock == nil {
		p.Lock = NewLocalLocks()
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	return &Ledger{
		chainID:       p.ChainID,
		store:         p.Store,
		policy:        p.Policy,
		digester:      p.Digester,
		lock:          p.Lock,
		signer:        p.Signer,
		metrics:       p.Metrics,
		logg:          p.Logger,
		appendTimeout: p.AppendTimeout,
		clock:         p.Clock,
	}, nil
}

func (l *Ledger) ChainID() string { return l.chainID }

type appendOptions struct {
	ruleSet  string
	evalData map[string]any
}

// AppendOption customises a single admission.
type AppendOption func(*appendOptions)

// WithRuleSet evaluates the event against the named rule set instead of the
// policy default.
func WithRuleSet(name string) AppendOption {
	return func(o *appendOptions) { o.ruleSet = name }
}

// WithEvalData adds rule inputs on top of those derived from metadata.
func WithEvalData(data map[string]any) AppendOption {
	return func(o *appendOptions) {
		if o.evalData == nil {
			o.evalData = make(map[string]any, len(data))
		}
		for k, v := range data {
			o.evalData[k] = v
		}
	}
}

// AppendEvent admits ev and returns its identity hash.
func (l *Ledger) AppendEvent(ctx context.Context, ev events.Event, metadata map[string]any, opts ...AppendOption) (string, error) {
	rec, err := l.Append(ctx, ev, metadata, opts...)
	if err != nil {
		return "", err
	}
	return rec.Hash, nil
}

// Append admits ev and returns the stored record. The sealed check, structural
// validation, rule evaluation, head read, hashing and store append run inside
// one exclusive section for the chain.
func (l *Ledger) Append(ctx context.Context, ev events.Event, metadata map[string]any, opts ...AppendOption) (chain.Record, error) {
	started := l.clock()
	if l.appendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.appendTimeout)
		defer cancel()
	}
	ctx = l.logg.WithChainID(ctx, l.chainID)

	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}

	var eventType enums.EventType
	if ev != nil {
		eventType = ev.Type()
		ctx = l.logg.WithFields(ctx, map[string]any{
			"entity_id":  ev.EntityID(),
			"event_type": eventType,
		})
	}

	rec, err := l.admit(ctx, ev, metadata, o)
	outcome := outcomeOf(err)
	if l.metrics != nil {
		l.metrics.ObserveAppend(l.chainID, eventType, outcome, l.clock().Sub(started))
	}
	if err != nil {
		l.logRejection(ctx, outcome, err)
		return chain.Record{}, translate("append", err)
	}

	logCtx := l.logg.WithFields(ctx, map[string]any{
		"event_hash": rec.Hash,
		"sequence":   rec.Sequence,
	})
	l.logg.Info(logCtx, "ledger record appended")
	return rec, nil
}

func (l *Ledger) admit(ctx context.Context, ev events.Event, metadata map[string]any, o appendOptions) (chain.Record, error) {
	if ev == nil {
		return chain.Record{}, pkgerrors.New(pkgerrors.CodeValidation, "event is required")
	}
	unlock, err := l.lock.Lock(ctx, l.chainID)
	if err != nil {
		return chain.Record{}, err
	}
	defer unlock()

	status, err := l.store.ChainStatus(ctx, l.chainID)
	if err != nil {
		return chain.Record{}, err
	}
	if status == enums.ChainStatusSealed {
		return chain.Record{}, ErrLedgerSealed
	}
	if err := events.Validate(ev); err != nil {
		return chain.Record{}, err
	}

	decision, err := l.evaluate(ctx, ev, metadata, o)
	if err != nil {
		return chain.Record{}, err
	}
	if decision.Blocked() {
		return chain.Record{}, &ComplianceError{Decision: decision}
	}

	head, err := l.store.LatestHash(ctx, l.chainID)
	if err != nil {
		return chain.Record{}, err
	}
	stored, err := events.Clone(ev)
	if err != nil {
		return chain.Record{}, err
	}
	meta, err := cloneMetadata(metadata)
	if err != nil {
		return chain.Record{}, err
	}
	rec := chain.Record{
		ChainID:      l.chainID,
		Sequence:     head.Sequence + 1,
		Event:        stored,
		Metadata:     meta,
		Timestamp:    l.clock().UTC().Truncate(time.Microsecond),
		PreviousHash: head.Hash,
	}
	rec.Hash, err = chain.IdentityHash(rec.Content(), l.digester)
	if err != nil {
		return chain.Record{}, fmt.Errorf("identity hash: %w", err)
	}
	if l.signer != nil {
		rec.Signature, rec.SignatureKeyID, err = l.signer.SignRecord(l.chainID, rec.Hash)
		if err != nil {
			return chain.Record{}, fmt.Errorf("sign record: %w", err)
		}
	}
	if err := l.store.Append(ctx, rec, l.notificationsFor(rec, decision)...); err != nil {
		return chain.Record{}, err
	}
	return rec, nil
}

func (l *Ledger) evaluate(ctx context.Context, ev events.Event, metadata map[string]any, o appendOptions) (compliance.Decision, error) {
	policy := l.policy.Current()
	if policy == nil {
		return compliance.Decision{}, errors.New("no compliance policy loaded")
	}
	data := make(map[string]any, len(metadata)+len(o.evalData))
	for k, v := range metadata {
		data[k] = v
	}
	for k, v := range o.evalData {
		data[k] = v
	}
	return policy.Evaluate(ctx, ev, o.ruleSet, compliance.EvalContextFrom(data))
}

func (l *Ledger) notificationsFor(rec chain.Record, decision compliance.Decision) []Notification {
	entityID := rec.Event.EntityID()
	notes := []Notification{{
		Type:          enums.EventLedgerRecordAppended,
		AggregateType: enums.AggregateLedgerRecord,
		AggregateID:   rec.Hash,
		ChainID:       rec.ChainID,
		OccurredAt:    rec.Timestamp,
		Data: payloads.RecordAppendedEvent{
			ChainID:      rec.ChainID,
			Sequence:     rec.Sequence,
			EventHash:    rec.Hash,
			PreviousHash: rec.PreviousHash,
			EventType:    rec.Event.Type(),
			EntityID:     entityID,
			RecordedAt:   rec.Timestamp,
		},
	}}
	for _, v := range decision.Advisory() {
		notes = append(notes, Notification{
			Type:          enums.EventComplianceAlertRaised,
			AggregateType: enums.AggregateLedgerRecord,
			AggregateID:   rec.Hash,
			ChainID:       rec.ChainID,
			OccurredAt:    rec.Timestamp,
			Data: payloads.ComplianceAlertEvent{
				ChainID:   rec.ChainID,
				EventHash: rec.Hash,
				EntityID:  entityID,
				RuleID:    v.RuleID,
				Severity:  enums.AlertSeverityFor(v.Severity),
				Message:   v.Message,
				Evidence:  v.Evidence,
				Source:    payloads.AlertSourceRule,
			},
		})
	}
	if alert, ok := rec.Event.(*events.ComplianceAlert); ok {
		notes = append(notes, Notification{
			Type:          enums.EventComplianceAlertRaised,
			AggregateType: enums.AggregateLedgerRecord,
			AggregateID:   rec.Hash,
			ChainID:       rec.ChainID,
			OccurredAt:    rec.Timestamp,
			Data: payloads.ComplianceAlertEvent{
				ChainID:   rec.ChainID,
				EventHash: rec.Hash,
				EntityID:  alert.AlertID,
				RuleID:    alert.RuleID,
				Severity:  alert.Severity,
				Message:   alert.Description,
				Evidence:  alert.Evidence,
				Source:    payloads.AlertSourceEvent,
			},
		})
	}
	return notes
}

// Seal stops further appends. Sealing an already sealed chain is a no-op;
// the returned bool reports whether this call changed the state.
func (l *Ledger) Seal(ctx context.Context) (bool, error) {
	ctx = l.logg.WithChainID(ctx, l.chainID)
	unlock, err := l.lock.Lock(ctx, l.chainID)
	if err != nil {
		return false, translate("seal", err)
	}
	defer unlock()

	head, err := l.store.LatestHash(ctx, l.chainID)
	if err != nil {
		return false, translate("seal", err)
	}
	at := l.clock().UTC().Truncate(time.Microsecond)
	changed, err := l.store.Seal(ctx, l.chainID, at, Notification{
		Type:          enums.EventLedgerChainSealed,
		AggregateType: enums.AggregateLedgerChain,
		AggregateID:   l.chainID,
		ChainID:       l.chainID,
		OccurredAt:    at,
		Data: payloads.ChainSealedEvent{
			ChainID:  l.chainID,
			Head:     head.Hash,
			Records:  head.Sequence,
			SealedAt: at,
		},
	})
	if err != nil {
		return false, translate("seal", err)
	}
	if changed {
		if l.metrics != nil {
			l.metrics.ObserveSeal(l.chainID)
		}
		l.logg.Info(l.logg.WithField(ctx, "head", head.Hash), "ledger sealed")
	}
	return changed, nil
}

// Status reports whether the chain accepts appends.
func (l *Ledger) Status(ctx context.Context) (enums.ChainStatus, error) {
	status, err := l.store.ChainStatus(ctx, l.chainID)
	return status, translate("status", err)
}

// Head returns the current chain tip.
func (l *Ledger) Head(ctx context.Context) (Head, error) {
	head, err := l.store.LatestHash(ctx, l.chainID)
	return head, translate("head", err)
}

// VerifyIntegrity recomputes every identity hash and link. A broken chain is
// reported through the Report, not the error; use IntegrityError to convert.
func (l *Ledger) VerifyIntegrity(ctx context.Context) (chain.Report, error) {
	ctx = l.logg.WithChainID(ctx, l.chainID)
	report, err := l.store.VerifyChain(ctx, l.chainID)
	if err != nil {
		return chain.Report{}, translate("verify", err)
	}
	if l.metrics != nil {
		l.metrics.ObserveIntegrity(l.chainID, report.Valid, report.RecordsChecked)
	}
	if !report.Valid {
		logCtx := l.logg.WithFields(ctx, map[string]any{
			"tamper_index": report.TamperIndex,
			"tamper_hash":  report.TamperHash,
			"reason":       report.Reason,
		})
		l.logg.Error(logCtx, "ledger integrity check failed", IntegrityError(report))
	}
	return report, nil
}

// RaiseIntegrityAlert queues a ledger_integrity_failed notification for a
// failed report. The chain itself is never repaired.
func (l *Ledger) RaiseIntegrityAlert(ctx context.Context, report chain.Report) error {
	if report.Valid {
		return nil
	}
	at := l.clock().UTC()
	err := l.store.Notify(ctx, Notification{
		Type:          enums.EventLedgerIntegrityFailed,
		AggregateType: enums.AggregateLedgerChain,
		AggregateID:   l.chainID,
		ChainID:       l.chainID,
		OccurredAt:    at,
		Data: payloads.IntegrityFailedEvent{
			ChainID:        l.chainID,
			TamperIndex:    report.TamperIndex,
			TamperSequence: report.TamperSequence,
			TamperHash:     report.TamperHash,
			Reason:         string(report.Reason),
			Detail:         report.Detail,
			CheckedAt:      at,
		},
	})
	return translate("raise integrity alert", err)
}

// AuditTrail returns records matching every filter set on q, in append order.
func (l *Ledger) AuditTrail(ctx context.Context, q AuditQuery) ([]chain.Record, error) {
	if q.Start != nil && q.End != nil && q.Start.After(*q.End) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "start must not be after end")
	}
	if q.Limit < 0 || q.AfterSequence < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "paging values must not be negative")
	}
	records, err := l.store.QueryRecords(ctx, l.chainID, q)
	if err != nil {
		return nil, translate("audit trail", err)
	}
	return records, nil
}

// MerkleRoot returns the root over all record hashes in append order, or ""
// for an empty chain.
func (l *Ledger) MerkleRoot(ctx context.Context) (string, error) {
	root, err := l.store.MerkleRoot(ctx, l.chainID)
	return root, translate("merkle root", err)
}

// Proof returns the inclusion proof of the record with the given hash.
func (l *Ledger) Proof(ctx context.Context, hash string) (chain.Proof, error) {
	records, err := l.store.Records(ctx, l.chainID)
	if err != nil {
		return chain.Proof{}, translate("proof", err)
	}
	hashes := make([]string, len(records))
	for i, rec := range records {
		hashes[i] = rec.Hash
	}
	proof, err := chain.InclusionProof(hashes, hash, l.digester)
	if errors.Is(err, chain.ErrLeafNotFound) {
		return chain.Proof{}, translate("proof", fmt.Errorf("%w: %s", ErrRecordNotFound, hash))
	}
	return proof, translate("proof", err)
}

// Evaluate runs validation and compliance rules without appending.
func (l *Ledger) Evaluate(ctx context.Context, ev events.Event, metadata map[string]any, opts ...AppendOption) (compliance.Decision, error) {
	if ev == nil {
		return compliance.Decision{}, pkgerrors.New(pkgerrors.CodeValidation, "event is required")
	}
	if err := events.Validate(ev); err != nil {
		return compliance.Decision{}, err
	}
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	decision, err := l.evaluate(ctx, ev, metadata, o)
	if err != nil {
		return compliance.Decision{}, translate("evaluate", err)
	}
	return decision, nil
}

func (l *Ledger) logRejection(ctx context.Context, outcome string, err error) {
	switch outcome {
	case OutcomeRejectedValidation, OutcomeRejectedCompliance, OutcomeRejectedSealed:
		l.logg.Warn(l.logg.WithFields(ctx, map[string]any{
			"outcome": outcome,
			"reason":  err.Error(),
		}), "ledger append rejected")
	default:
		l.logg.Error(l.logg.WithField(ctx, "outcome", outcome), "ledger append failed", err)
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeAppended
	}
	var complianceErr *ComplianceError
	switch {
	case errors.As(err, &complianceErr):
		return OutcomeRejectedCompliance
	case errors.Is(err, ErrLedgerSealed):
		return OutcomeRejectedSealed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return OutcomeTimeout
	case pkgerrors.CodeOf(err) == pkgerrors.CodeValidation:
		return OutcomeRejectedValidation
	}
	return OutcomeFailed
}

// cloneMetadata detaches stored metadata from the caller's map. Numbers come
// back as json.Number so large integers are hashed and stored exactly.
func cloneMetadata(metadata map[string]any) (map[string]any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "metadata must be JSON encodable")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "metadata must be JSON encodable")
	}
	return out, nil
}
