package rules

import (
	"context"
	"fmt"
	"strings"

	"inbox-autopilot-go/internal/model"
)

// Match is the outcome of evaluating an account's rules against a message.
type Match struct {
	RuleID   string
	RuleName string
}

// Engine evaluates rules against one message. A nil Match with a nil error
// means no rule applied; that is a skip, not a failure.
type Engine interface {
	Evaluate(ctx context.Context, accountID string, msg model.EmailMessage) (*Match, error)
}

// RuleLister provides the enabled rules for an account.
type RuleLister interface {
	GetEnabledRules(ctx context.Context, accountID string) ([]model.Rule, error)
}

// MatcherEngine is a substring matcher over sender and subject. The full
// classification pipeline lives upstream; this engine covers the plain
// keyword rules that need no model call.
type MatcherEngine struct {
	rules RuleLister
}

// NewMatcherEngine creates a MatcherEngine.
func NewMatcherEngine(rules RuleLister) *MatcherEngine {
	return &MatcherEngine{rules: rules}
}

// Evaluate returns the first enabled rule whose pattern appears in the
// message sender or subject, case-insensitively.
func (e *MatcherEngine) Evaluate(ctx context.Context, accountID string, msg model.EmailMessage) (*Match, error) {
	enabled, err := e.rules.GetEnabledRules(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	from := strings.ToLower(msg.From)
	subject := strings.ToLower(msg.Subject)

	for _, rule := range enabled {
		pattern := strings.ToLower(rule.Pattern)
		if pattern == "" {
			continue
		}
		if strings.Contains(from, pattern) || strings.Contains(subject, pattern) {
			return &Match{RuleID: rule.ID, RuleName: rule.Name}, nil
		}
	}
	return nil, nil
}
