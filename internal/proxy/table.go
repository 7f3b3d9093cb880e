package proxy

import (
	"log/slog"

	"github.com/angeloszaimis/devserver/config"
)

// Table is the ordered list of proxy rules. Earlier rules take precedence.
type Table struct {
	rules []*Rule
}

func NewTable(cfgs []config.ProxyRuleConfig, logger *slog.Logger) (*Table, error) {
	rules := make([]*Rule, 0, len(cfgs))
	for _, cfg := range cfgs {
		rule, err := NewRule(cfg, logger)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return &Table{rules: rules}, nil
}

// Match returns the first rule whose prefix matches path, or nil.
func (t *Table) Match(path string) *Rule {
	for _, r := range t.rules {
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

func (t *Table) Rules() []*Rule {
	return t.rules
}
