package heuristics

import (
	"sort"
	"strings"
)

// keywordClass is a task category recognised by trigger phrases.
type keywordClass struct {
	name       string
	label      string
	score      int
	confidence float64
	triggers   []string
}

// defaultKeywordClasses are listed in precedence order: the first class with a
// matching trigger wins.
func defaultKeywordClasses() []keywordClass {
	return []keywordClass{
		{
			name: "security", label: "security-sensitive task", score: 90, confidence: 1.0,
			triggers: []string{
				"security", "authentication", "authorization", "auth", "oauth", "jwt",
				"encryption", "encrypt", "decrypt", "injection", "vulnerability", "csrf",
				"xss", "credentials", "secret", "secrets", "permissions",
			},
		},
		{
			name: "refactor", label: "refactor task", score: 80, confidence: 0.85,
			triggers: []string{
				"refactor", "refactoring", "rewrite", "restructure", "redesign",
				"migrate", "migration", "architecture", "clean architecture",
			},
		},
		{
			name: "feature", label: "new feature", score: 60, confidence: 0.8,
			triggers: []string{"implement", "create", "new feature", "feature", "build", "introduce"},
		},
		{
			name: "enhancement", label: "enhancement", score: 40, confidence: 0.7,
			triggers: []string{"add", "update", "extend", "improve", "enhance", "validation"},
		},
		{
			name: "bug", label: "bug fix", score: 20, confidence: 0.8,
			triggers: []string{"fix", "bug", "typo", "crash", "exception", "null reference", "error"},
		},
		{
			name: "docs", label: "documentation change", score: 10, confidence: 0.8,
			triggers: []string{"document", "documentation", "readme", "docs", "comment", "changelog"},
		},
	}
}

// compiledRule is one trigger of a class, kept with the class precedence.
type compiledRule struct {
	class   int
	trigger string
}

// ruleSet matches task descriptions against keyword classes.
type ruleSet struct {
	classes []keywordClass
	rules   []compiledRule
}

func newRuleSet(classes []keywordClass) *ruleSet {
	rs := &ruleSet{classes: classes}
	for i, c := range classes {
		for _, trig := range c.triggers {
			rs.rules = append(rs.rules, compiledRule{class: i, trigger: strings.ToLower(trig)})
		}
	}
	// Class precedence first, then longer triggers (more specific) first.
	sort.SliceStable(rs.rules, func(i, j int) bool {
		if rs.rules[i].class != rs.rules[j].class {
			return rs.rules[i].class < rs.rules[j].class
		}
		return len(rs.rules[i].trigger) > len(rs.rules[j].trigger)
	})
	return rs
}

// match returns the winning class and the trigger that selected it.
func (rs *ruleSet) match(text string) (keywordClass, string, bool) {
	lower := strings.ToLower(text)
	for _, rule := range rs.rules {
		if containsTrigger(lower, rule.trigger) {
			return rs.classes[rule.class], rule.trigger, true
		}
	}
	return keywordClass{}, "", false
}

// containsTrigger reports whether trigger occurs in text on word boundaries.
func containsTrigger(text, trigger string) bool {
	if trigger == "" {
		return false
	}
	offset := 0
	for {
		idx := strings.Index(text[offset:], trigger)
		if idx == -1 {
			return false
		}
		start := offset + idx
		end := start + len(trigger)
		if (start == 0 || !isWordChar(text[start-1])) && (end == len(text) || !isWordChar(text[end])) {
			return true
		}
		offset = start + 1
	}
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
