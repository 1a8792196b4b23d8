package enums

import "fmt"

type AdjustmentReason string

const (
	AdjustmentReasonCorrection  AdjustmentReason = "correction"
	AdjustmentReasonWriteOff    AdjustmentReason = "write_off"
	AdjustmentReasonRevaluation AdjustmentReason = "revaluation"
	AdjustmentReasonRegulatory  AdjustmentReason = "regulatory"
)

var validAdjustmentReasons = []AdjustmentReason{
	AdjustmentReasonCorrection,
	AdjustmentReasonWriteOff,
	AdjustmentReasonRevaluation,
	AdjustmentReasonRegulatory,
}

func (r AdjustmentReason) IsValid() bool {
	for _, candidate := range validAdjustmentReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

func ParseAdjustmentReason(value string) (AdjustmentReason, error) {
	for _, candidate := range validAdjustmentReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid adjustment reason %q", value)
}
