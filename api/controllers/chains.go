package controllers

import (
	"context"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/compliance-ledger/api/responses"
	"github.com/angelmondragon/compliance-ledger/api/validators"
	"github.com/angelmondragon/compliance-ledger/internal/compliance"
	"github.com/angelmondragon/compliance-ledger/internal/ledger"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
)

const (
	defaultTrailLimit = 100
	maxTrailLimit     = 1000
	maxRuleSetLen     = 64
	maxEntityIDLen    = 256
)

// Ledgers resolves chain ids to ledgers. Reader serves read-only handlers
// and must not retain ledgers for ids that were only looked up.
type Ledgers interface {
	Ledger(chainID string) (*ledger.Ledger, error)
	Reader(chainID string) (*ledger.Ledger, error)
	Chains(ctx context.Context) ([]ledger.ChainInfo, error)
}

func resolveLedger(ledgers Ledgers, r *http.Request) (*ledger.Ledger, error) {
	return ledgers.Ledger(chi.URLParam(r, "chainId"))
}

func resolveReader(ledgers Ledgers, r *http.Request) (*ledger.Ledger, error) {
	return ledgers.Reader(chi.URLParam(r, "chainId"))
}

func ListChains(ledgers Ledgers, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chains, err := ledgers.Chains(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if chains == nil {
			chains = []ledger.ChainInfo{}
		}
		responses.WriteSuccess(w, chains)
	}
}

func ChainStatus(ledgers Ledgers, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := resolveReader(ledgers, r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status, err := l.Status(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		head, err := l.Head(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, ChainStatusResponse{
			ChainID:  l.ChainID(),
			Status:   status,
			Head:     head.Hash,
			Sequence: head.Sequence,
		})
	}
}

// AppendEvent admits the event in the body. A compliance rejection answers
// 422 with every violation in the error details.
func AppendEvent(ledgers Ledgers, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := resolveLedger(ledgers, r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body AppendRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if body.Event.Event == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "event is required").
				WithDetails(map[string]string{"event": "is required"}))
			return
		}

		var opts []ledger.AppendOption
		if body.RuleSet != "" {
			opts = append(opts, ledger.WithRuleSet(body.RuleSet))
		}
		if len(body.Context) > 0 {
			opts = append(opts, ledger.WithEvalData(body.Context))
		}

		rec, err := l.Append(r.Context(), body.Event.Event, body.Metadata, opts...)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, recordView(rec))
	}
}

// EvaluateEvent runs the compliance gate without appending.
func EvaluateEvent(ledgers Ledgers, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := resolveReader(ledgers, r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body EvaluateRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if body.Event.Event == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "event is required").
				WithDetails(map[string]string{"event": "is required"}))
			return
		}

		var opts []ledger.AppendOption
		if ruleSet := validators.QueryString(r, "rule_set", maxRuleSetLen); ruleSet != "" {
			opts = append(opts, ledger.WithRuleSet(ruleSet))
		}
		if len(body.Context) > 0 {
			opts = append(opts, ledger.WithEvalData(body.Context))
		}

		decision, err := l.Evaluate(r.Context(), body.Event.Event, body.Metadata, opts...)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, EvaluationResponse{
			ChainID:    l.ChainID(),
			RuleSet:    decision.RuleSet,
			Threshold:  decision.Threshold,
			WouldBlock: decision.Blocked(),
			Violations: nonNilViolations(decision.Violations),
			Blocking:   nonNilViolations(decision.Blocking),
		})
	}
}

func nonNilViolations(v []compliance.Violation) []compliance.Violation {
	if v == nil {
		return []compliance.Violation{}
	}
	return v
}

// AuditTrail lists records filtered by entity and time range, in append order.
func AuditTrail(ledgers Ledgers, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := resolveReader(ledgers, r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		start, err := validators.ParseQueryTime(r, "start")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		end, err := validators.ParseQueryTime(r, "end")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", defaultTrailLimit, 1, maxTrailLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		after, err := validators.ParseQueryInt(r, "after_seq", 0, 0, math.MaxInt32)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		records, err := l.AuditTrail(r.Context(), ledger.AuditQuery{
			EntityID:      validators.QueryString(r, "entity_id", maxEntityIDLen),
			Start:         start,
			End:           end,
			AfterSequence: int64(after),
			Limit:         limit,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := AuditTrailResponse{
			ChainID: l.ChainID(),
			Records: make([]RecordView, 0, len(records)),
			Count:   len(records),
		}
		for _, rec := range records {
			resp.Records = append(resp.Records, recordView(rec))
		}
		if len(records) == limit {
			next := records[len(records)-1].Sequence
			resp.NextAfterSequence = &next
		}
		responses.WriteSuccess(w, resp)
	}
}

func MerkleRoot(ledgers Ledgers, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := resolveReader(ledgers, r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		root, err := l.MerkleRoot(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, MerkleRootResponse{ChainID: l.ChainID(), MerkleRoot: root})
	}
}

func InclusionProof(ledgers Ledgers, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := resolveReader(ledgers, r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		proof, err := l.Proof(r.Context(), chi.URLParam(r, "hash"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, proof)
	}
}

// SealChain is idempotent: sealing a sealed chain answers 200 with changed=false.
func SealChain(ledgers Ledgers, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := resolveLedger(ledgers, r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		changed, err := l.Seal(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, SealResponse{
			ChainID: l.ChainID(),
			Status:  enums.ChainStatusSealed,
			Changed: changed,
		})
	}
}

// VerifyChain reports the integrity of the whole chain. A broken chain is a
// successful verification with valid=false.
func VerifyChain(ledgers Ledgers, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := resolveReader(ledgers, r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		report, err := l.VerifyIntegrity(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, report)
	}
}
