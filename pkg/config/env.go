package config

import (
	"fmt"
	"os"
	"regexp"
)

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LookupEnvFunc resolves an environment variable. os.LookupEnv by default.
type LookupEnvFunc func(string) (string, bool)

// ExpandEnv replaces ${VAR} and ${VAR:-default} placeholders in s.
// Placeholders naming an unset variable without a default are left in place
// and reported in the returned warnings.
func ExpandEnv(s string, lookup LookupEnvFunc) (string, []string) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var warnings []string
	out := envPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := envPattern.FindStringSubmatch(match)
		if value, ok := lookup(m[1]); ok {
			return value
		}
		// FindStringSubmatch cannot tell an empty default from a missing one.
		if len(match) > len(m[1])+3 {
			return m[2]
		}
		warnings = append(warnings, fmt.Sprintf("environment variable ${%s} is not set", m[1]))
		return match
	})
	return out, warnings
}

// expandRemoteNodes expands placeholders in the url and auth fields of every
// remote node. Other keys are copied untouched.
func expandRemoteNodes(raw map[string]any, lookup LookupEnvFunc) []string {
	var warnings []string
	for _, entry := range raw {
		node, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if url, ok := node["url"].(string); ok {
			expanded, w := ExpandEnv(url, lookup)
			node["url"] = expanded
			warnings = append(warnings, w...)
		}
		auth, ok := node["auth"].(map[string]any)
		if !ok {
			continue
		}
		for key, value := range auth {
			s, ok := value.(string)
			if !ok {
				continue
			}
			expanded, w := ExpandEnv(s, lookup)
			auth[key] = expanded
			warnings = append(warnings, w...)
		}
	}
	return warnings
}
