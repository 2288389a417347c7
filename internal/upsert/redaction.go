package upsert

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconciler/internal/config"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
)

// Wildcard matches every field, or every entity type in a rule.
const Wildcard = "*"

// RuleMode says whether a rule lists the writable or the forbidden fields.
type RuleMode string

// Rule modes.
const (
	ModeAllow RuleMode = "allow"
	ModeDeny  RuleMode = "deny"
)

// Violation is what happens to a field a rule forbids.
type Violation string

// Violation handling.
const (
	ViolationDrop   Violation = "drop"
	ViolationReject Violation = "reject"
)

// Rule restricts the fields one (source, entity_type, direction) may write.
type Rule struct {
	Source      model.Source
	EntityType  string
	Direction   model.Direction
	Mode        RuleMode
	Fields      []string
	OnViolation Violation
}

func (r Rule) matches(src model.Source, entityType string, dir model.Direction) bool {
	return r.Source == src && r.Direction == dir &&
		(r.EntityType == entityType || r.EntityType == Wildcard)
}

func (r Rule) lists(field string) bool {
	for _, f := range r.Fields {
		if f == field || f == Wildcard {
			return true
		}
	}
	return false
}

// Policy is the static redaction allow/deny list.
type Policy struct {
	rules []Rule
}

// NewPolicy creates a policy from rules.
func NewPolicy(rules ...Rule) *Policy {
	return &Policy{rules: rules}
}

// PolicyFromConfig converts configured rules.
func PolicyFromConfig(rules []config.RedactionRule) *Policy {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		v := Violation(r.OnViolation)
		if v == "" {
			v = ViolationDrop
		}
		out = append(out, Rule{
			Source:      model.Source(r.Source),
			EntityType:  r.EntityType,
			Direction:   model.Direction(r.Direction),
			Mode:        RuleMode(r.Mode),
			Fields:      r.Fields,
			OnViolation: v,
		})
	}
	return NewPolicy(out...)
}

// Filter returns the subset of fields the direction may write and the
// sorted names of the fields it stripped. A stripped field under a reject
// rule fails with resilience.ErrDomainValidationRejected instead.
func (p *Policy) Filter(src model.Source, entityType string, dir model.Direction, fields map[string]any) (map[string]any, []string, error) {
	if p == nil || len(fields) == 0 {
		return fields, nil, nil
	}

	var active []Rule
	for _, r := range p.rules {
		if r.matches(src, entityType, dir) {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		return fields, nil, nil
	}

	out := make(map[string]any, len(fields))
	var stripped, rejected []string
	for name, v := range fields {
		blocked, reject := evaluate(active, name)
		if !blocked {
			out[name] = v
			continue
		}
		stripped = append(stripped, name)
		if reject {
			rejected = append(rejected, name)
		}
	}
	sort.Strings(stripped)

	if len(rejected) > 0 {
		sort.Strings(rejected)
		return nil, stripped, eris.Wrapf(resilience.ErrDomainValidationRejected,
			"redaction: %s/%s may not write %v %s", src, entityType, rejected, dir)
	}
	return out, stripped, nil
}

// evaluate applies every active rule to one field. A field is blocked when a
// deny rule lists it, or when allow rules exist and none lists it.
func evaluate(rules []Rule, field string) (blocked, reject bool) {
	hasAllow, allowed := false, false
	var allowReject bool
	for _, r := range rules {
		switch r.Mode {
		case ModeDeny:
			if r.lists(field) {
				blocked = true
				reject = reject || r.OnViolation == ViolationReject
			}
		case ModeAllow:
			hasAllow = true
			allowReject = allowReject || r.OnViolation == ViolationReject
			if r.lists(field) {
				allowed = true
			}
		}
	}
	if hasAllow && !allowed {
		blocked = true
		reject = reject || allowReject
	}
	return blocked, reject
}
