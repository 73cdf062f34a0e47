package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ExpansionRule rewrites a short normalized query. Pattern must match the whole normalized text;
// Rewrite may reference capture groups as ${1}.
type ExpansionRule struct {
	Pattern *regexp.Regexp
	Rewrite string
}

func rule(pattern, rewrite string) ExpansionRule {
	return ExpansionRule{Pattern: regexp.MustCompile(`^(?:` + pattern + `)$`), Rewrite: rewrite}
}

// DefaultExpansionRules is evaluated in order; the first match wins.
var DefaultExpansionRules = []ExpansionRule{
	rule(`(?:your )?e ?mail(?: address| id)?`, "What is your email address?"),
	rule(`(?:your )?(?:phone|mobile)(?: number)?|number`, "What is your phone number?"),
	rule(`(?:your )?name|who`, "What is your name?"),
	rule(`(?:your )?age|how old`, "How old are you?"),
	rule(`(?:your )?(?:location|address)|where|where are you`, "Where are you located?"),
	rule(`(?:your )?(?:skills?|tech stack|stack)`, "What are your skills?"),
	rule(`(?:your )?(?:education|degree|university|college)`, "What is your educational background?"),
	rule(`(?:your )?(?:experience|work|jobs?|career)`, "What is your work experience?"),
	rule(`(?:your )?projects?`, "What projects have you worked on?"),
	rule(`(?:your )?hobb(?:y|ies)|interests`, "What are your hobbies?"),
	rule(`(?:your )?(linkedin|github)(?: profile)?`, "What is your ${1} profile?"),
	rule(`(?:your )?contacts?(?: info| details)?`, "How can I contact you?"),
	rule(`timeline|career timeline`, "What is your career timeline?"),
}

const expanderInstruction = "Rewrite the user's short fragment as one complete question addressed to the person " +
	"the assistant speaks for. Reply with the question only, without quotes or commentary."

// QueryExpander turns terse fragments into full questions before routing.
type QueryExpander struct {
	rules     []ExpansionRule
	completer Completer
	timeout   time.Duration
	logger    *zap.Logger
}

// NewQueryExpander uses DefaultExpansionRules when rules is nil. completer may be nil to disable the fallback.
func NewQueryExpander(rules []ExpansionRule, completer Completer, timeout time.Duration, logger *zap.Logger) *QueryExpander {
	if rules == nil {
		rules = DefaultExpansionRules
	}
	return &QueryExpander{
		rules:     rules,
		completer: completer,
		timeout:   timeout,
		logger:    logger,
	}
}

// ExpandByRules applies the rule table only.
func (e *QueryExpander) ExpandByRules(query string) (string, bool) {
	normalized := Normalize(query)
	for _, r := range e.rules {
		if r.Pattern.MatchString(normalized) {
			return r.Pattern.ReplaceAllString(normalized, r.Rewrite), true
		}
	}
	return query, false
}

// Expand returns the rewritten query, or query itself when nothing applies.
// The language model is asked only for inputs of at most three words that no rule matched.
func (e *QueryExpander) Expand(ctx context.Context, query string) string {
	if expanded, ok := e.ExpandByRules(query); ok {
		return expanded
	}
	if e.completer == nil || wordCount(query) > 3 || strings.TrimSpace(query) == "" {
		return query
	}
	return e.expandWithModel(ctx, query)
}

func (e *QueryExpander) expandWithModel(ctx context.Context, query string) string {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	out, err := e.completer.Complete(ctx, Prompt{System: expanderInstruction, User: query})
	if err != nil {
		e.logger.Warn("Query expansion failed, keeping original", zap.String("query", query), zap.Error(err))
		return query
	}

	out, _, _ = strings.Cut(strings.TrimSpace(out), "\n")
	out = strings.Trim(strings.TrimSpace(out), `"'`)
	if out == "" {
		return query
	}

	e.logger.Debug("Query expanded", zap.String("query", query), zap.String("expanded", out))
	return out
}
