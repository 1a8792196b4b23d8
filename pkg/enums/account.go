package enums

import "fmt"

type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
)

var validAccountTypes = []AccountType{
	AccountTypeAsset,
	AccountTypeLiability,
	AccountTypeEquity,
	AccountTypeRevenue,
	AccountTypeExpense,
}

func (a AccountType) IsValid() bool {
	for _, candidate := range validAccountTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

func ParseAccountType(value string) (AccountType, error) {
	for _, candidate := range validAccountTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid account type %q", value)
}

// ComplianceLevel is the risk classification assigned when an account is opened.
type ComplianceLevel string

const (
	ComplianceLevelLowRisk    ComplianceLevel = "low_risk"
	ComplianceLevelMediumRisk ComplianceLevel = "medium_risk"
	ComplianceLevelHighRisk   ComplianceLevel = "high_risk"
	ComplianceLevelSanctioned ComplianceLevel = "sanctioned"
)

var validComplianceLevels = []ComplianceLevel{
	ComplianceLevelLowRisk,
	ComplianceLevelMediumRisk,
	ComplianceLevelHighRisk,
	ComplianceLevelSanctioned,
}

func (c ComplianceLevel) IsValid() bool {
	for _, candidate := range validComplianceLevels {
		if candidate == c {
			return true
		}
	}
	return false
}

func ParseComplianceLevel(value string) (ComplianceLevel, error) {
	for _, candidate := range validComplianceLevels {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid compliance level %q", value)
}
