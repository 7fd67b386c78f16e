package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule matches targets whose URL contains URLPattern.
type Rule struct {
	Name       string `yaml:"name"`
	URLPattern string `yaml:"url_pattern"`
}

// Rules selects which pages are captured. Excludes win over includes; an
// empty include list admits every page.
type Rules struct {
	Include []Rule `yaml:"include"`
	Exclude []Rule `yaml:"exclude"`
}

// LoadRules reads and validates a YAML rules file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules config: %w", err)
	}
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("rules config: %w", err)
	}
	for section, list := range map[string][]Rule{"include": rules.Include, "exclude": rules.Exclude} {
		for i, r := range list {
			if r.Name == "" {
				return nil, fmt.Errorf("rules config: %s[%d] missing name", section, i)
			}
			if r.URLPattern == "" {
				return nil, fmt.Errorf("rules config: %s[%d] (%s) missing url_pattern", section, i, r.Name)
			}
		}
	}
	return &rules, nil
}

// Match reports whether url passes the rules. A nil receiver matches all.
func (r *Rules) Match(url string) bool {
	if r == nil {
		return true
	}
	u := strings.ToLower(url)
	for _, rule := range r.Exclude {
		if strings.Contains(u, strings.ToLower(rule.URLPattern)) {
			return false
		}
	}
	if len(r.Include) == 0 {
		return true
	}
	for _, rule := range r.Include {
		if strings.Contains(u, strings.ToLower(rule.URLPattern)) {
			return true
		}
	}
	return false
}
