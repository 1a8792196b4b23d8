package enums

import "fmt"

// ChainStatus maps to ledger_chains.status. The only transition is active -> sealed.
type ChainStatus string

const (
	ChainStatusActive ChainStatus = "active"
	ChainStatusSealed ChainStatus = "sealed"
)

func (s ChainStatus) IsValid() bool {
	return s == ChainStatusActive || s == ChainStatusSealed
}

func ParseChainStatus(value string) (ChainStatus, error) {
	status := ChainStatus(value)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid chain status %q", value)
	}
	return status, nil
}
