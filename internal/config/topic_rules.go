package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TopicRule maps one event type onto subscription topics. Every change goes to
// Base; when the payload names a sport, market or discipline it also goes to
// "<Prefix>:<qualifier>".
type TopicRule struct {
	Base   string `yaml:"base"`
	Prefix string `yaml:"prefix"`
}

type TopicRules struct {
	Types map[string]TopicRule `yaml:"types"`
}

// DefaultTopicRules is used when no rules file is configured.
func DefaultTopicRules() TopicRules {
	return TopicRules{Types: map[string]TopicRule{
		"live_score":   {Base: "live_scores", Prefix: "scores"},
		"betting_odds": {Base: "betting_odds", Prefix: "odds"},
		"race_result":  {Base: "race_results", Prefix: "races"},
	}}
}

// LoadTopicRules reads a YAML rules file. Types missing from the file keep
// their defaults. An empty path returns the defaults.
func LoadTopicRules(path string) (TopicRules, error) {
	rules := DefaultTopicRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return TopicRules{}, fmt.Errorf("read topic rules: %w", err)
	}

	var file TopicRules
	if err := yaml.Unmarshal(data, &file); err != nil {
		return TopicRules{}, fmt.Errorf("parse topic rules: %w", err)
	}

	for typ, rule := range file.Types {
		if rule.Base == "" {
			return TopicRules{}, fmt.Errorf("topic rules: type %q has no base topic", typ)
		}
		rules.Types[typ] = rule
	}
	return rules, nil
}

func (tr TopicRules) Rule(eventType string) (TopicRule, bool) {
	r, ok := tr.Types[eventType]
	return r, ok
}
