// Package routes decides, from the request URI alone, whether a request
// bypasses the function or has to be authenticated and signed, and rewrites
// legacy proxy prefixes to the path the backend expects.
//
// Rules are evaluated in the order they were added: prefix rules first, then
// pattern rules. The first match wins. A URI matching no rule passes through
// untouched.
package routes

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultStripPrefix is the legacy proxy prefix served by the CRM API.
	DefaultStripPrefix = "/crm-api/"
	// DefaultPattern matches the protected API tree.
	DefaultPattern = `^/(api)(/.*)?$`
)

// Action is what the dispatcher should do with a request.
type Action int

const (
	Passthrough Action = iota
	Sign
)

func (a Action) String() string {
	switch a {
	case Passthrough:
		return "passthrough"
	case Sign:
		return "sign"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Decision is the result of classifying a URI.
type Decision struct {
	Action Action
	// Path is the URI the request should carry from now on. It differs from
	// the input only when a prefix rule stripped it.
	Path string
	// Rule describes the rule that matched, empty for passthrough.
	Rule string
}

// Rewritten reports whether the decision changed the path.
func (d Decision) Rewritten(uri string) bool {
	return d.Path != uri
}

// Rule classifies a URI. Match returns the rewritten path and true when the
// rule applies.
type Rule interface {
	Match(uri string) (string, bool)
	String() string
}

// PrefixRule strips a literal prefix once and keeps the leading slash.
type PrefixRule struct {
	Prefix string
}

// NewPrefixRule validates prefix, which must start and end with "/".
func NewPrefixRule(prefix string) (*PrefixRule, error) {
	if len(prefix) < 2 || !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") {
		return nil, fmt.Errorf("prefix %q must start and end with '/'", prefix)
	}
	return &PrefixRule{Prefix: prefix}, nil
}

func (r *PrefixRule) Match(uri string) (string, bool) {
	if !strings.HasPrefix(uri, r.Prefix) {
		return "", false
	}
	return "/" + uri[len(r.Prefix):], true
}

func (r *PrefixRule) String() string {
	return "prefix " + r.Prefix
}

// PatternRule matches a regular expression against the URI without
// rewriting it.
type PatternRule struct {
	Regex *regexp.Regexp
}

// NewPatternRule compiles pattern.
func NewPatternRule(pattern string) (*PatternRule, error) {
	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed compiling route pattern '%s': %w", pattern, err)
	}
	return &PatternRule{Regex: rx}, nil
}

func (r *PatternRule) Match(uri string) (string, bool) {
	if !r.Regex.MatchString(uri) {
		return "", false
	}
	return uri, true
}

func (r *PatternRule) String() string {
	return "pattern " + r.Regex.String()
}

// Table is an ordered set of rules. It is immutable once built and safe for
// concurrent use.
type Table struct {
	rules []Rule
}

// New builds a Table from literal prefixes and regular expression patterns.
// Every invalid entry is reported in the returned error.
func New(prefixes, patterns []string) (*Table, error) {
	t := &Table{}
	var errs []error
	for _, p := range prefixes {
		rule, err := NewPrefixRule(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t.rules = append(t.rules, rule)
	}
	for _, p := range patterns {
		rule, err := NewPatternRule(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t.rules = append(t.rules, rule)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed building route table: %w", errors.Join(errs...))
	}
	return t, nil
}

// Default returns the table of the CRM portal: strip /crm-api/ and sign, sign
// anything under /api.
func Default() *Table {
	t, err := New([]string{DefaultStripPrefix}, []string{DefaultPattern})
	if err != nil {
		panic(err)
	}
	return t
}

// Rules returns the rules in evaluation order.
func (t *Table) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}

// Classify returns the decision for uri.
func (t *Table) Classify(uri string) Decision {
	for _, rule := range t.rules {
		if path, ok := rule.Match(uri); ok {
			return Decision{Action: Sign, Path: path, Rule: rule.String()}
		}
	}
	return Decision{Action: Passthrough, Path: uri}
}
