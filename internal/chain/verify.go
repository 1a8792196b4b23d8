package chain

import (
	"fmt"
)

// TamperReason classifies the first broken invariant found by Verify.
type TamperReason string

const (
	ReasonGenesisHasPrevious TamperReason = "genesis_has_previous"
	ReasonBrokenLink         TamperReason = "broken_link"
	ReasonHashMismatch       TamperReason = "hash_mismatch"
	ReasonSequenceGap        TamperReason = "sequence_gap"
	ReasonChainMismatch      TamperReason = "chain_mismatch"
	ReasonSignatureInvalid   TamperReason = "signature_invalid"
	ReasonUnencodable        TamperReason = "unencodable"
)

// Report is the outcome of verifying one chain. When Valid is false,
// TamperIndex and TamperHash locate the first offending record.
type Report struct {
	ChainID        string       `json:"chain_id"`
	Valid          bool         `json:"valid"`
	RecordsChecked int          `json:"records_checked"`
	TamperIndex    int          `json:"tamper_index"`
	TamperSequence int64        `json:"tamper_sequence,omitempty"`
	TamperHash     string       `json:"tamper_hash,omitempty"`
	Reason         TamperReason `json:"reason,omitempty"`
	Detail         string       `json:"detail,omitempty"`
}

// Unencodable marks the record at index as undecodable. Records before it
// count as checked.
func (r Report) Unencodable(index int, seq int64, hash, detail string) Report {
	r.Valid = false
	r.RecordsChecked = index + 1
	r.TamperIndex = index
	r.TamperSequence = seq
	r.TamperHash = hash
	r.Reason = ReasonUnencodable
	r.Detail = detail
	return r
}

// SignatureVerifier checks a record signature. Records without a signature
// are accepted unless the verifier requires one.
type SignatureVerifier interface {
	VerifyRecord(chainID, hash, signature, keyID string) error
	RequireSignatures() bool
}

// Verify walks records in append order. It checks that the first record has
// no predecessor, that every recomputed identity hash equals the stored one,
// and that every previous_hash points at the preceding record. sv may be nil.
func Verify(chainID string, records []Record, d Digester, sv SignatureVerifier) Report {
	report := Report{ChainID: chainID, Valid: true, TamperIndex: -1}
	var (
		prevHash string
		firstSeq int64
	)
	for i, rec := range records {
		report.RecordsChecked = i + 1
		fail := func(reason TamperReason, detail string) Report {
			report.Valid = false
			report.TamperIndex = i
			report.TamperSequence = rec.Sequence
			report.TamperHash = rec.Hash
			report.Reason = reason
			report.Detail = detail
			return report
		}

		if rec.ChainID != chainID {
			return fail(ReasonChainMismatch, fmt.Sprintf("record belongs to chain %q", rec.ChainID))
		}
		if i == 0 {
			firstSeq = rec.Sequence
			if rec.PreviousHash != "" {
				return fail(ReasonGenesisHasPrevious, "first record must not reference a predecessor")
			}
		} else {
			if firstSeq > 0 && rec.Sequence != firstSeq+int64(i) {
				return fail(ReasonSequenceGap, fmt.Sprintf("expected sequence %d, got %d", firstSeq+int64(i), rec.Sequence))
			}
			if rec.PreviousHash != prevHash {
				return fail(ReasonBrokenLink, fmt.Sprintf("previous_hash %q does not match predecessor %q", rec.PreviousHash, prevHash))
			}
		}

		recomputed, err := IdentityHash(rec.Content(), d)
		if err != nil {
			return fail(ReasonUnencodable, err.Error())
		}
		if recomputed != rec.Hash {
			return fail(ReasonHashMismatch, fmt.Sprintf("recomputed hash %s", recomputed))
		}

		if sv != nil {
			if rec.Signature == "" {
				if sv.RequireSignatures() {
					return fail(ReasonSignatureInvalid, "record is not signed")
				}
			} else if err := sv.VerifyRecord(rec.ChainID, rec.Hash, rec.Signature, rec.SignatureKeyID); err != nil {
				return fail(ReasonSignatureInvalid, err.Error())
			}
		}

		prevHash = rec.Hash
	}
	return report
}
