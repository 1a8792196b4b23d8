package compliance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `
blocking_severity: critical
default_rule_set: payments
rules:
  - type: amount_limit
    limit: "1000"
    currency: USD
  - type: sanctioned_countries
    countries: [KP]
rule_sets:
  payments: [AMOUNT_LIMIT]
`

func TestBuildPolicyFromYAML(t *testing.T) {
	cfg, err := ParseRulesConfig([]byte(rulesYAML))
	require.NoError(t, err)

	policy, err := BuildPolicy(cfg, enums.RuleSeverityError, nil)
	require.NoError(t, err)

	assert.Equal(t, enums.RuleSeverityCritical, policy.Gate.Threshold)
	assert.Equal(t, "payments", policy.DefaultRuleSet)
	assert.Equal(t, []string{RuleIDAmountLimit, RuleIDSanctionedCountries}, policy.Validator.RuleIDs())

	decision, err := policy.Evaluate(context.Background(), transaction("1500", "USD"), "", NewEvalContext())
	require.NoError(t, err)
	assert.Len(t, decision.Violations, 1)
	assert.False(t, decision.Blocked(), "error severity is advisory under a critical threshold")
}

func TestBuildPolicyRejectsBadConfig(t *testing.T) {
	cases := map[string]RulesConfig{
		"unknown type":    {Rules: []RuleConfig{{Type: "velocity"}}},
		"bad limit":       {Rules: []RuleConfig{{Type: RuleTypeAmountLimit, Limit: "lots", Currency: "USD"}}},
		"bad currency":    {Rules: []RuleConfig{{Type: RuleTypeAmountLimit, Limit: "1", Currency: "DOLLAR"}}},
		"bad severity":    {BlockingSeverity: "fatal"},
		"unknown rule id": {RuleSets: map[string][]string{"x": {"NOPE"}}},
		"missing default": {DefaultRuleSet: "ghost"},
		"bad threshold":   {Rules: []RuleConfig{{Type: RuleTypeLargeAdjustment, Threshold: "big"}}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := BuildPolicy(cfg, enums.RuleSeverityError, nil)
			assert.Error(t, err)
		})
	}
}

func TestLoaderDefaultsWithoutFile(t *testing.T) {
	loader, err := NewLoader(LoaderParams{BlockingSeverity: enums.RuleSeverityError})
	require.NoError(t, err)

	policy := loader.Current()
	require.NotNil(t, policy)
	assert.Contains(t, policy.Validator.RuleIDs(), RuleIDAmountLimit)
	assert.NoError(t, loader.Watch(context.Background()))
}

func TestLoaderReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	loader, err := NewLoader(LoaderParams{Path: path})
	require.NoError(t, err)
	first := loader.Current()

	var notified *Policy
	loader.OnChange(func(p *Policy) { notified = p })

	require.NoError(t, os.WriteFile(path, []byte("rules: [{type: velocity}]"), 0o600))
	_, err = loader.Reload()
	require.Error(t, err)
	assert.Same(t, first, loader.Current())
	assert.Nil(t, notified)

	require.NoError(t, os.WriteFile(path, []byte("blocking_severity: warning\nrules: []\n"), 0o600))
	reloaded, err := loader.Reload()
	require.NoError(t, err)
	assert.Same(t, reloaded, loader.Current())
	assert.Same(t, reloaded, notified)
	assert.Equal(t, enums.RuleSeverityWarning, reloaded.Gate.Threshold)
}

func TestLoaderWatchPicksUpWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	loader, err := NewLoader(LoaderParams{Path: path})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loader.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("blocking_severity: warning\nrules: []\n"), 0o600))
	assert.Eventually(t, func() bool {
		return loader.Current().Gate.Threshold == enums.RuleSeverityWarning
	}, 5*time.Second, 20*time.Millisecond)
}
