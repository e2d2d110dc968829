package observer

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ar-io/observer/gateway"
)

// Rule decides whether an observed fetch matches the reference fetch for
// the same name.
type Rule interface {
	Pass(reference, observed gateway.FetchResult) (bool, error)
}

var (
	_ Rule = DefaultRule{}
	_ Rule = (*ExprRule)(nil)
)

// DefaultRule passes when both fetches succeeded, the content digests are
// identical, and the resolved IDs match whenever the reference reported one.
type DefaultRule struct{}

func (DefaultRule) Pass(reference, observed gateway.FetchResult) (bool, error) {
	if !reference.OK() || !observed.OK() {
		return false, nil
	}
	if reference.Digest != observed.Digest {
		return false, nil
	}
	if reference.ResolvedID != "" && reference.ResolvedID != observed.ResolvedID {
		return false, nil
	}
	return true, nil
}

// ExprRule evaluates a boolean expr-lang expression over `reference` and
// `observed`, each exposing ok, status, statusCode, resolvedId, ttlSeconds,
// digest and contentLength. For example:
//
//	observed.ok && observed.digest == reference.digest
type ExprRule struct {
	source  string
	program *vm.Program
}

func NewExprRule(source string) (*ExprRule, error) {
	program, err := expr.Compile(source, expr.Env(ruleEnv(gateway.FetchResult{}, gateway.FetchResult{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid verdict rule %q: %w", source, err)
	}
	return &ExprRule{source, program}, nil
}

func (r *ExprRule) String() string {
	return r.source
}

func (r *ExprRule) Pass(reference, observed gateway.FetchResult) (bool, error) {
	out, err := expr.Run(r.program, ruleEnv(reference, observed))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate verdict rule: %w", err)
	}
	pass, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("verdict rule returned %T, expected bool", out)
	}
	return pass, nil
}

func ruleEnv(reference, observed gateway.FetchResult) map[string]any {
	return map[string]any{
		"reference": ruleFields(reference),
		"observed":  ruleFields(observed),
	}
}

func ruleFields(r gateway.FetchResult) map[string]any {
	return map[string]any{
		"ok":            r.OK(),
		"status":        string(r.Status),
		"statusCode":    r.StatusCode,
		"resolvedId":    r.ResolvedID,
		"ttlSeconds":    r.TTLSeconds,
		"digest":        r.Digest,
		"contentLength": r.ContentLength,
	}
}
