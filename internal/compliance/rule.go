// Package compliance evaluates ledger events against registered policy rules
// and decides whether the resulting violations block admission.
package compliance

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelmondragon/compliance-ledger/internal/events"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
)

// Rule is one independent policy check. Evaluate must not touch the ledger
// and must return quickly; it may read the per-call EvalContext.
type Rule interface {
	ID() string
	Severity() enums.RuleSeverity
	Evaluate(ctx context.Context, ev events.Event, ec EvalContext) ([]Violation, error)
}

// Violation is a finding produced by one rule against one event.
type Violation struct {
	RuleID   string             `json:"rule_id"`
	Severity enums.RuleSeverity `json:"severity"`
	Message  string             `json:"message"`
	Evidence map[string]any     `json:"evidence,omitempty"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s[%s]: %s", v.RuleID, v.Severity, v.Message)
}

// EvalContext carries additional data keyed by string for a single evaluation.
// With returns a copy, so a context can be shared between goroutines.
type EvalContext struct {
	data map[string]any
}

func NewEvalContext() EvalContext {
	return EvalContext{}
}

// EvalContextFrom seeds a context from an arbitrary map, e.g. append metadata.
func EvalContextFrom(data map[string]any) EvalContext {
	ec := EvalContext{data: make(map[string]any, len(data))}
	for k, v := range data {
		ec.data[k] = v
	}
	return ec
}

func (c EvalContext) With(key string, value any) EvalContext {
	next := make(map[string]any, len(c.data)+1)
	for k, v := range c.data {
		next[k] = v
	}
	next[key] = value
	return EvalContext{data: next}
}

func (c EvalContext) Value(key string) (any, bool) {
	v, ok := c.data[key]
	return v, ok
}

// String returns the trimmed string stored under key, if any.
func (c EvalContext) String(key string) (string, bool) {
	v, ok := c.data[key].(string)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Strings returns string values stored under key as either a string or a list.
func (c EvalContext) Strings(key string) []string {
	return stringsOf(c.data[key])
}

func (c EvalContext) Len() int {
	return len(c.data)
}

func stringsOf(raw any) []string {
	switch v := raw.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, stringsOf(item)...)
		}
		return out
	}
	return nil
}
