// Package compliance scans image metadata tags and structured clinical data
// for personally identifiable and protected health information.
//
// The scan is heuristic. Rules are literal patterns and key vocabularies,
// so free-form identifiers in unexpected fields go undetected. A compliant
// report means no rule fired, not that the input is free of PHI.
package compliance

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/tree"
)

// Severity grades a finding
type Severity string

const (
	SeverityPass    Severity = "pass"
	SeverityWarning Severity = "warning"
	SeverityFail    Severity = "fail"
)

// Target selects what a rule is evaluated against
type Target int

const (
	// TargetImageTag matches embedded image metadata tag names (and values when Pattern is set)
	TargetImageTag Target = iota
	// TargetDataKey matches field names anywhere in the structured data
	TargetDataKey
	// TargetDataValue matches string leaves of the structured data
	TargetDataValue
	// TargetDataRoot checks for the presence of a root-level field
	TargetDataRoot
)

// String returns a string representation of the target
func (t Target) String() string {
	switch t {
	case TargetImageTag:
		return "image_tag"
	case TargetDataKey:
		return "data_key"
	case TargetDataValue:
		return "data_value"
	case TargetDataRoot:
		return "data_root"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// Rule is one declarative compliance check.
//
// Key filters on the tag or field name; a nil Key accepts every name.
// Pattern filters on the value; a nil Pattern accepts every value.
// For TargetDataRoot rules Severity applies when the field is absent and a
// present field produces a pass finding.
type Rule struct {
	Name     string
	Target   Target
	Key      func(key string) bool
	Pattern  *regexp.Regexp
	Severity Severity
	Basis    string
	Detail   string
}

// Finding is a single rule match
type Finding struct {
	Field    string   `json:"field"`
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	Basis    string   `json:"basis"`
	Detail   string   `json:"detail,omitempty"`
}

// Report is the outcome of one scan
type Report struct {
	Findings []Finding `json:"findings"`
}

// Compliant reports whether no finding has severity fail
func (r Report) Compliant() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityFail {
			return false
		}
	}
	return true
}

// BySeverity returns the findings with severity s
func (r Report) BySeverity(s Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

// Summary is the persisted digest of a report
type Summary struct {
	Compliant bool     `json:"compliant"`
	Pass      int      `json:"pass"`
	Warnings  int      `json:"warnings"`
	Failures  int      `json:"failures"`
	Rules     []string `json:"rules,omitempty"`
	Fields    []string `json:"fields,omitempty"`
}

// Summary condenses the report. Rules and Fields list non-pass findings only.
func (r Report) Summary() Summary {
	s := Summary{Compliant: r.Compliant()}
	rules := make(map[string]bool)
	fields := make(map[string]bool)
	for _, f := range r.Findings {
		switch f.Severity {
		case SeverityPass:
			s.Pass++
			continue
		case SeverityWarning:
			s.Warnings++
		case SeverityFail:
			s.Failures++
		}
		rules[f.Rule] = true
		fields[f.Field] = true
	}
	s.Rules = sortedKeys(rules)
	s.Fields = sortedKeys(fields)
	return s
}

// SummaryJSON renders Summary for log entry details
func (r Report) SummaryJSON() string {
	b, err := json.Marshal(r.Summary())
	if err != nil {
		return ""
	}
	return string(b)
}

// Scanner evaluates an ordered rule list
type Scanner struct {
	rules  []Rule
	logger *zap.Logger
}

// NewScanner creates a Scanner with the default rules
func NewScanner(logger *zap.Logger) *Scanner {
	return NewScannerWithRules(DefaultRules(), logger)
}

// NewScannerWithRules creates a Scanner evaluating rules in order
func NewScannerWithRules(rules []Rule, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Scanner{rules: cp, logger: logger}
}

// Scan evaluates both the image tags and the structured data
func (s *Scanner) Scan(tags map[string]string, data tree.Node) Report {
	findings := s.ScanImageTags(tags)
	findings = append(findings, s.ScanData(data)...)

	report := Report{Findings: findings}
	s.logger.Debug("Compliance scan finished",
		zap.Int("tags", len(tags)),
		zap.Int("findings", len(findings)),
		zap.Bool("compliant", report.Compliant()))
	return report
}

// ScanImageTags evaluates image-tag rules. Tags are visited in name order.
func (s *Scanner) ScanImageTags(tags map[string]string) []Finding {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	var findings []Finding
	for _, name := range names {
		for _, rule := range s.rules {
			if rule.Target != TargetImageTag {
				continue
			}
			if rule.matches(name, tags[name]) {
				findings = append(findings, rule.finding(name, rule.Severity))
			}
		}
	}
	return findings
}

// ScanData walks the structured data and evaluates data rules
func (s *Scanner) ScanData(data tree.Node) []Finding {
	var findings []Finding
	s.walk(data, "", "", &findings)

	if data.Kind() == tree.KindObject {
		for _, rule := range s.rules {
			if rule.Target != TargetDataRoot {
				continue
			}
			present := ""
			for _, f := range data.Fields() {
				if rule.Key == nil || rule.Key(f.Key) {
					present = f.Key
					break
				}
			}
			if present != "" {
				findings = append(findings, rule.finding(present, SeverityPass))
			} else {
				findings = append(findings, rule.finding("$", rule.Severity))
			}
		}
	}
	return findings
}

// walk visits every node; key is the nearest enclosing object key
func (s *Scanner) walk(n tree.Node, path, key string, findings *[]Finding) {
	switch n.Kind() {
	case tree.KindObject:
		for _, f := range n.Fields() {
			fieldPath := f.Key
			if path != "" {
				fieldPath = path + "." + f.Key
			}
			for _, rule := range s.rules {
				if rule.Target == TargetDataKey && rule.Key != nil && rule.Key(f.Key) {
					*findings = append(*findings, rule.finding(fieldPath, rule.Severity))
				}
			}
			s.walk(f.Value, fieldPath, f.Key, findings)
		}
	case tree.KindArray:
		for i, item := range n.Items() {
			s.walk(item, fmt.Sprintf("%s[%d]", path, i), key, findings)
		}
	case tree.KindString:
		value, _ := n.Str()
		for _, rule := range s.rules {
			if rule.Target == TargetDataValue && rule.matches(key, value) {
				*findings = append(*findings, rule.finding(path, rule.Severity))
			}
		}
	}
}

func (r Rule) matches(key, value string) bool {
	if r.Key != nil && !r.Key(key) {
		return false
	}
	if r.Pattern != nil && !r.Pattern.MatchString(value) {
		return false
	}
	return true
}

func (r Rule) finding(field string, severity Severity) Finding {
	return Finding{
		Field:    field,
		Severity: severity,
		Rule:     r.Name,
		Basis:    r.Basis,
		Detail:   r.Detail,
	}
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
