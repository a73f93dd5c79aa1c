// Package rules merges firewall rule fragments into one canonical,
// deduplicated rule set per IP family. Fragment files live in the rules
// directory; the consolidated output is what the packet filter loads.
package rules

import (
	"fmt"
	"strings"
)

// Family is an IP family.
type Family string

const (
	FamilyV4 Family = "v4"
	FamilyV6 Family = "v6"
)

// Families lists the supported families in canonical order.
var Families = []Family{FamilyV4, FamilyV6}

// ParseFamily validates a family string.
func ParseFamily(s string) (Family, bool) {
	switch Family(s) {
	case FamilyV4, FamilyV6:
		return Family(s), true
	}
	return "", false
}

// Class orders fragments in the canonical output. Whitelist rules always
// precede ban rules, which precede everything else: the packet filter is
// first-match-wins, so an exemption must be seen before the block.
type Class int

const (
	ClassWhitelist Class = iota
	ClassBan
	ClassGeneric
)

func (c Class) String() string {
	switch c {
	case ClassWhitelist:
		return "whitelist"
	case ClassBan:
		return "ban"
	default:
		return "generic"
	}
}

// ClassOfFragment derives the class from a fragment filename stem.
func ClassOfFragment(name string) Class {
	base := strings.ToLower(name)
	switch {
	case strings.HasPrefix(base, "whitelist"):
		return ClassWhitelist
	case strings.HasPrefix(base, "ban"):
		return ClassBan
	default:
		return ClassGeneric
	}
}

// RuleLine is one parsed firewall rule.
type RuleLine struct {
	Family  Family
	Chain   string
	Proto   string
	Port    string // port, "low-high" range, or "all"
	Action  string
	Comment string
}

// Key returns the normalized dedup tuple. Comments and whitespace do not
// participate: two lines that differ only in comment are the same rule.
func (r RuleLine) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", r.Chain, r.Proto, r.Port, r.Action)
}

// String renders the line in fragment format.
func (r RuleLine) String() string {
	s := fmt.Sprintf("%s %s %s %s %s", r.Family, r.Chain, r.Proto, r.Port, r.Action)
	if r.Comment != "" {
		s += " # " + r.Comment
	}
	return s
}

// Fragment is one parsed fragment file.
type Fragment struct {
	Name  string // filename
	Class Class
	Lines []RuleLine
}

// CanonicalRuleSet is the consolidated output for one family.
type CanonicalRuleSet struct {
	Family Family
	Lines  []RuleLine
	Hash   string // sha256 hex of the normalized rule text
}
