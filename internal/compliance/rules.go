package compliance

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/angelmondragon/compliance-ledger/internal/events"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	"github.com/shopspring/decimal"
)

const (
	RuleIDAmountLimit             = "AMOUNT_LIMIT"
	RuleIDSanctionedCountries     = "SANCTIONED_COUNTRIES"
	RuleIDSanctionedAccount       = "SANCTIONED_ACCOUNT"
	RuleIDAdjustmentAuthorization = "ADJUSTMENT_AUTHORIZATION"
	RuleIDLargeAdjustmentReview   = "LARGE_ADJUSTMENT_REVIEW"
)

// FuncRule adapts a function into a Rule.
type FuncRule struct {
	RuleID       string
	RuleSeverity enums.RuleSeverity
	Fn           func(ctx context.Context, ev events.Event, ec EvalContext) ([]Violation, error)
}

func (r FuncRule) ID() string                   { return r.RuleID }
func (r FuncRule) Severity() enums.RuleSeverity { return r.RuleSeverity }

func (r FuncRule) Evaluate(ctx context.Context, ev events.Event, ec EvalContext) ([]Violation, error) {
	if r.Fn == nil {
		return nil, nil
	}
	return r.Fn(ctx, ev, ec)
}

// AmountLimitRule flags financial transactions above limit in one currency.
// Transactions in other currencies are not evaluated.
type AmountLimitRule struct {
	limit    decimal.Decimal
	currency string
}

func NewAmountLimitRule(limit decimal.Decimal, currency string) *AmountLimitRule {
	return &AmountLimitRule{limit: limit, currency: strings.ToUpper(strings.TrimSpace(currency))}
}

func (r *AmountLimitRule) ID() string                   { return RuleIDAmountLimit }
func (r *AmountLimitRule) Severity() enums.RuleSeverity { return enums.RuleSeverityError }

func (r *AmountLimitRule) Evaluate(_ context.Context, ev events.Event, _ EvalContext) ([]Violation, error) {
	tx, ok := ev.(*events.FinancialTransaction)
	if !ok {
		return nil, nil
	}
	currency := transactionCurrency(tx)
	amount := tx.Amount.Amount()
	if currency != r.currency || !amount.GreaterThan(r.limit) {
		return nil, nil
	}
	return []Violation{{
		RuleID:   r.ID(),
		Severity: r.Severity(),
		Message:  fmt.Sprintf("Transaction amount %s %s exceeds limit of %s %s", amount, currency, r.limit, r.currency),
		Evidence: map[string]any{
			"transaction_amount": amount.String(),
			"currency":           currency,
			"limit":              r.limit.String(),
		},
	}}, nil
}

func transactionCurrency(tx *events.FinancialTransaction) string {
	if c := strings.TrimSpace(tx.Currency); c != "" {
		return strings.ToUpper(c)
	}
	return strings.ToUpper(tx.Amount.CurrencyCode())
}

// countryKeys are looked up in the evaluation context and in event metadata.
var countryKeys = []string{"country", "from_country", "to_country", "countries"}

// SanctionedCountriesRule flags events whose parties are associated with a
// sanctioned country code.
type SanctionedCountriesRule struct {
	countries map[string]struct{}
}

func NewSanctionedCountriesRule(countries ...string) *SanctionedCountriesRule {
	set := make(map[string]struct{}, len(countries))
	for _, c := range countries {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			set[c] = struct{}{}
		}
	}
	return &SanctionedCountriesRule{countries: set}
}

func (r *SanctionedCountriesRule) ID() string                   { return RuleIDSanctionedCountries }
func (r *SanctionedCountriesRule) Severity() enums.RuleSeverity { return enums.RuleSeverityCritical }

func (r *SanctionedCountriesRule) Evaluate(_ context.Context, ev events.Event, ec EvalContext) ([]Violation, error) {
	hits := map[string]string{}
	for _, key := range countryKeys {
		for _, c := range ec.Strings(key) {
			r.match(hits, c, "context."+key)
		}
	}
	if metadata := eventMetadata(ev); metadata != nil {
		for _, key := range countryKeys {
			for _, c := range stringsOf(metadata[key]) {
				r.match(hits, c, "metadata."+key)
			}
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	codes := make([]string, 0, len(hits))
	for c := range hits {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	violations := make([]Violation, 0, len(codes))
	for _, c := range codes {
		violations = append(violations, Violation{
			RuleID:   r.ID(),
			Severity: r.Severity(),
			Message:  fmt.Sprintf("Event %s involves sanctioned country %s", ev.EntityID(), c),
			Evidence: map[string]any{"country": c, "source": hits[c], "entity_id": ev.EntityID()},
		})
	}
	return violations, nil
}

func (r *SanctionedCountriesRule) match(hits map[string]string, country, source string) {
	country = strings.ToUpper(country)
	if _, ok := r.countries[country]; !ok {
		return
	}
	if _, seen := hits[country]; !seen {
		hits[country] = source
	}
}

func eventMetadata(ev events.Event) map[string]any {
	switch e := ev.(type) {
	case *events.FinancialTransaction:
		return e.Metadata
	case *events.AccountCreation:
		return e.Metadata
	}
	return nil
}

// SanctionedAccountRule blocks opening sanctioned accounts and transfers
// touching accounts listed under "sanctioned_accounts" in the context.
type SanctionedAccountRule struct{}

func NewSanctionedAccountRule() *SanctionedAccountRule { return &SanctionedAccountRule{} }

func (r *SanctionedAccountRule) ID() string                   { return RuleIDSanctionedAccount }
func (r *SanctionedAccountRule) Severity() enums.RuleSeverity { return enums.RuleSeverityCritical }

func (r *SanctionedAccountRule) Evaluate(_ context.Context, ev events.Event, ec EvalContext) ([]Violation, error) {
	switch e := ev.(type) {
	case *events.AccountCreation:
		if e.ComplianceLevel != enums.ComplianceLevelSanctioned {
			return nil, nil
		}
		return []Violation{{
			RuleID:   r.ID(),
			Severity: r.Severity(),
			Message:  fmt.Sprintf("Account %s is classified as sanctioned", e.AccountID),
			Evidence: map[string]any{"account_id": e.AccountID, "owner_id": e.OwnerID},
		}}, nil
	case *events.FinancialTransaction:
		listed := map[string]struct{}{}
		for _, id := range ec.Strings("sanctioned_accounts") {
			listed[id] = struct{}{}
		}
		var violations []Violation
		for _, account := range []string{e.FromAccount, e.ToAccount} {
			if _, ok := listed[account]; ok && account != "" {
				violations = append(violations, Violation{
					RuleID:   r.ID(),
					Severity: r.Severity(),
					Message:  fmt.Sprintf("Transaction %s touches sanctioned account %s", e.TransactionID, account),
					Evidence: map[string]any{"account_id": account, "transaction_id": e.TransactionID},
				})
			}
		}
		return violations, nil
	}
	return nil, nil
}

// AdjustmentAuthorizationRule requires balance adjustments to name an
// authoriser other than the adjusted account.
type AdjustmentAuthorizationRule struct{}

func NewAdjustmentAuthorizationRule() *AdjustmentAuthorizationRule {
	return &AdjustmentAuthorizationRule{}
}

func (r *AdjustmentAuthorizationRule) ID() string { return RuleIDAdjustmentAuthorization }
func (r *AdjustmentAuthorizationRule) Severity() enums.RuleSeverity {
	return enums.RuleSeverityError
}

func (r *AdjustmentAuthorizationRule) Evaluate(_ context.Context, ev events.Event, _ EvalContext) ([]Violation, error) {
	adj, ok := ev.(*events.BalanceAdjustment)
	if !ok {
		return nil, nil
	}
	authorizer := strings.TrimSpace(adj.AuthorizedBy)
	switch {
	case authorizer == "":
		return []Violation{{
			RuleID:   r.ID(),
			Severity: r.Severity(),
			Message:  fmt.Sprintf("Adjustment %s has no authorizer", adj.AdjustmentID),
			Evidence: map[string]any{"adjustment_id": adj.AdjustmentID},
		}}, nil
	case authorizer == adj.AccountID:
		return []Violation{{
			RuleID:   r.ID(),
			Severity: r.Severity(),
			Message:  fmt.Sprintf("Adjustment %s is self-authorized by account %s", adj.AdjustmentID, adj.AccountID),
			Evidence: map[string]any{"adjustment_id": adj.AdjustmentID, "authorized_by": authorizer},
		}}, nil
	}
	return nil, nil
}

// LargeAdjustmentRule raises a warning for adjustments above threshold so
// they are reviewed without blocking admission at the default threshold.
type LargeAdjustmentRule struct {
	threshold decimal.Decimal
}

func NewLargeAdjustmentRule(threshold decimal.Decimal) *LargeAdjustmentRule {
	return &LargeAdjustmentRule{threshold: threshold}
}

func (r *LargeAdjustmentRule) ID() string                   { return RuleIDLargeAdjustmentReview }
func (r *LargeAdjustmentRule) Severity() enums.RuleSeverity { return enums.RuleSeverityWarning }

func (r *LargeAdjustmentRule) Evaluate(_ context.Context, ev events.Event, _ EvalContext) ([]Violation, error) {
	adj, ok := ev.(*events.BalanceAdjustment)
	if !ok || !adj.Amount.Amount().GreaterThan(r.threshold) {
		return nil, nil
	}
	return []Violation{{
		RuleID:   r.ID(),
		Severity: r.Severity(),
		Message:  fmt.Sprintf("Adjustment %s of %s exceeds review threshold %s", adj.AdjustmentID, adj.Amount, r.threshold),
		Evidence: map[string]any{
			"adjustment_id": adj.AdjustmentID,
			"amount":        adj.Amount.Amount().String(),
			"currency":      adj.Amount.CurrencyCode(),
			"threshold":     r.threshold.String(),
			"reason":        string(adj.Reason),
		},
	}}, nil
}
