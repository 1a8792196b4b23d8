package compliance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	RuleTypeAmountLimit             = "amount_limit"
	RuleTypeSanctionedCountries     = "sanctioned_countries"
	RuleTypeSanctionedAccount       = "sanctioned_account"
	RuleTypeAdjustmentAuthorization = "adjustment_authorization"
	RuleTypeLargeAdjustment         = "large_adjustment"
)

// RulesConfig is the YAML document describing rules, rule sets and the gate.
type RulesConfig struct {
	BlockingSeverity string              `yaml:"blocking_severity"`
	DefaultRuleSet   string              `yaml:"default_rule_set"`
	Rules            []RuleConfig        `yaml:"rules"`
	RuleSets         map[string][]string `yaml:"rule_sets"`
}

type RuleConfig struct {
	Type      string   `yaml:"type"`
	Limit     string   `yaml:"limit,omitempty"`
	Currency  string   `yaml:"currency,omitempty"`
	Countries []string `yaml:"countries,omitempty"`
	Threshold string   `yaml:"threshold,omitempty"`
}

// DefaultRulesConfig is used when no rules file is configured.
func DefaultRulesConfig() RulesConfig {
	return RulesConfig{
		BlockingSeverity: string(DefaultThreshold),
		Rules: []RuleConfig{
			{Type: RuleTypeAmountLimit, Limit: "10000", Currency: "USD"},
			{Type: RuleTypeSanctionedCountries, Countries: []string{"KP", "IR", "SY", "CU"}},
			{Type: RuleTypeSanctionedAccount},
			{Type: RuleTypeAdjustmentAuthorization},
			{Type: RuleTypeLargeAdjustment, Threshold: "50000"},
		},
		RuleSets: map[string][]string{
			"payments": {RuleIDAmountLimit, RuleIDSanctionedCountries, RuleIDSanctionedAccount},
			"accounts": {RuleIDSanctionedAccount, RuleIDSanctionedCountries},
		},
	}
}

// ParseRulesConfig decodes YAML rules configuration.
func ParseRulesConfig(data []byte) (RulesConfig, error) {
	var cfg RulesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RulesConfig{}, fmt.Errorf("parse rules config: %w", err)
	}
	return cfg, nil
}

// BuildPolicy constructs a fresh validator and gate from cfg. An empty
// blocking_severity falls back to fallback.
func BuildPolicy(cfg RulesConfig, fallback enums.RuleSeverity, observer Observer) (*Policy, error) {
	threshold := fallback
	if cfg.BlockingSeverity != "" {
		parsed, err := enums.ParseRuleSeverity(cfg.BlockingSeverity)
		if err != nil {
			return nil, err
		}
		threshold = parsed
	}

	v := NewValidator()
	if observer != nil {
		v.WithObserver(observer)
	}
	for i, rc := range cfg.Rules {
		rule, err := buildRule(rc)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		v.AddRule(rule)
	}
	for name, ids := range cfg.RuleSets {
		if err := v.CreateRuleSet(name, ids...); err != nil {
			return nil, err
		}
	}
	if cfg.DefaultRuleSet != "" {
		if _, ok := cfg.RuleSets[cfg.DefaultRuleSet]; !ok {
			return nil, fmt.Errorf("default rule set %q: %w", cfg.DefaultRuleSet, ErrRuleSetNotFound)
		}
	}
	return &Policy{Validator: v, Gate: NewGate(threshold), DefaultRuleSet: cfg.DefaultRuleSet}, nil
}

func buildRule(rc RuleConfig) (Rule, error) {
	switch rc.Type {
	case RuleTypeAmountLimit:
		limit, err := decimal.NewFromString(rc.Limit)
		if err != nil {
			return nil, fmt.Errorf("amount_limit limit %q: %w", rc.Limit, err)
		}
		if len(rc.Currency) != 3 {
			return nil, fmt.Errorf("amount_limit currency %q must have 3 characters", rc.Currency)
		}
		return NewAmountLimitRule(limit, rc.Currency), nil
	case RuleTypeSanctionedCountries:
		return NewSanctionedCountriesRule(rc.Countries...), nil
	case RuleTypeSanctionedAccount:
		return NewSanctionedAccountRule(), nil
	case RuleTypeAdjustmentAuthorization:
		return NewAdjustmentAuthorizationRule(), nil
	case RuleTypeLargeAdjustment:
		threshold, err := decimal.NewFromString(rc.Threshold)
		if err != nil {
			return nil, fmt.Errorf("large_adjustment threshold %q: %w", rc.Threshold, err)
		}
		return NewLargeAdjustmentRule(threshold), nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", rc.Type)
	}
}

// Loader reads a rules file, builds a Policy and swaps it in atomically on
// reload. A reload that fails keeps the previous policy.
type Loader struct {
	path     string
	fallback enums.RuleSeverity
	observer Observer
	logg     *logger.Logger

	current  atomic.Pointer[Policy]
	mu       sync.Mutex
	onChange []func(*Policy)
}

type LoaderParams struct {
	Path             string
	BlockingSeverity enums.RuleSeverity
	Observer         Observer
	Logger           *logger.Logger
}

// NewLoader performs the initial load. With an empty path the built-in
// default rules are used and Watch is a no-op.
func NewLoader(params LoaderParams) (*Loader, error) {
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	l := &Loader{
		path:     params.Path,
		fallback: params.BlockingSeverity,
		observer: params.Observer,
		logg:     logg,
	}
	policy, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current.Store(policy)
	return l, nil
}

// Current implements PolicySource.
func (l *Loader) Current() *Policy {
	return l.current.Load()
}

// OnChange registers a callback invoked after each successful reload.
func (l *Loader) OnChange(fn func(*Policy)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Reload re-reads the rules file immediately.
func (l *Loader) Reload() (*Policy, error) {
	policy, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current.Store(policy)
	l.mu.Lock()
	callbacks := append([]func(*Policy){}, l.onChange...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(policy)
	}
	return policy, nil
}

// Watch reloads the policy whenever the rules file is written or replaced,
// until ctx is cancelled. The parent directory is watched so editors that
// rename over the file are picked up.
func (l *Loader) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}
	target := filepath.Clean(l.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return fmt.Errorf("rules watcher add %s: %w", target, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if _, err := l.Reload(); err != nil {
					l.logg.Error(ctx, "compliance rules reload failed; keeping previous policy", err)
					continue
				}
				l.logg.Info(ctx, "compliance rules reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logg.Warn(l.logg.WithField(ctx, "error", err.Error()), "compliance rules watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (l *Loader) load() (*Policy, error) {
	cfg := DefaultRulesConfig()
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read rules %s: %w", l.path, err)
		}
		cfg, err = ParseRulesConfig(data)
		if err != nil {
			return nil, err
		}
	}
	return BuildPolicy(cfg, l.fallback, l.observer)
}
