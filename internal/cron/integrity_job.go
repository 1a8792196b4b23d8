package cron

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/compliance-ledger/internal/ledger"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
)

// Chains lists chains and resolves their ledgers.
type Chains interface {
	Chains(ctx context.Context) ([]ledger.ChainInfo, error)
	Ledger(chainID string) (*ledger.Ledger, error)
}

type IntegrityJobParams struct {
	Logger *logger.Logger
	Chains Chains
}

// NewIntegrityJob builds the job that re-verifies every chain. A broken chain
// raises an integrity alert and fails the run; nothing is repaired.
func NewIntegrityJob(params IntegrityJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Chains == nil {
		return nil, errors.New("chain directory required")
	}
	return &integrityJob{logg: params.Logger, chains: params.Chains}, nil
}

type integrityJob struct {
	logg   *logger.Logger
	chains Chains
}

func (j *integrityJob) Name() string { return "chain-integrity" }

func (j *integrityJob) Run(ctx context.Context) error {
	chains, err := j.chains.Chains(ctx)
	if err != nil {
		return fmt.Errorf("list chains: %w", err)
	}

	var (
		errs    error
		broken  int
		checked int
	)
	for _, info := range chains {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		valid, err := j.verify(ctx, info.ChainID)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		checked++
		if !valid {
			broken++
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"chains_checked": checked,
		"chains_broken":  broken,
	}), "chain integrity sweep complete")
	return errs
}

// verify returns false only for a chain that was read and found broken.
func (j *integrityJob) verify(ctx context.Context, chainID string) (bool, error) {
	ctx = j.logg.WithChainID(ctx, chainID)
	l, err := j.chains.Ledger(chainID)
	if err != nil {
		return true, fmt.Errorf("chain %s: %w", chainID, err)
	}
	report, err := l.VerifyIntegrity(ctx)
	if err != nil {
		return true, fmt.Errorf("verify chain %s: %w", chainID, err)
	}
	if report.Valid {
		return true, nil
	}

	integrityErr := ledger.IntegrityError(report)
	j.logg.Error(j.logg.WithFields(ctx, map[string]any{
		"tamper_index":    report.TamperIndex,
		"tamper_sequence": report.TamperSequence,
		"tamper_hash":     report.TamperHash,
		"reason":          report.Reason,
	}), "chain integrity check failed", integrityErr)

	if err := l.RaiseIntegrityAlert(ctx, report); err != nil {
		integrityErr = multierr.Append(integrityErr, fmt.Errorf("raise alert for chain %s: %w", chainID, err))
	}
	return false, integrityErr
}
