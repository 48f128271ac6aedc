package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// tokenPattern matches a {{name}} reference.
var tokenPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// exactTokenPattern matches a string made of exactly one reference.
var exactTokenPattern = regexp.MustCompile(`^\s*\{\{\s*(\w+)\s*\}\}\s*$`)

// ContainsToken reports whether s holds at least one reference.
func ContainsToken(s string) bool {
	return tokenPattern.MatchString(s)
}

// ExactToken returns the referenced name when s is exactly one token.
func ExactToken(s string) (string, bool) {
	m := exactTokenPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractTokens returns the names referenced anywhere inside v, in first
// occurrence order. Strings, maps and sequences are walked.
func ExtractTokens(v any) []string {
	seen := make(map[string]struct{})
	var names []string
	walkStrings(v, func(s string) {
		for _, m := range tokenPattern.FindAllStringSubmatch(s, -1) {
			if _, ok := seen[m[1]]; ok {
				continue
			}
			seen[m[1]] = struct{}{}
			names = append(names, m[1])
		}
	})
	return names
}

func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, item := range t {
			walkStrings(item, fn)
		}
	case map[any]any:
		for _, item := range t {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range t {
			walkStrings(item, fn)
		}
	case []string:
		for _, item := range t {
			fn(item)
		}
	}
}

// ResolveValue substitutes every token inside v against the environment.
//
// A string that is exactly one token yields the bound value unchanged, so
// structured captures keep their type. Tokens embedded in text are replaced
// by their string form. The first unbound token aborts resolution with an
// unresolved-variable error.
func (e *Environment) ResolveValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return e.ResolveString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			resolved, err := e.ResolveValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			resolved, err := e.ResolveValue(item)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			resolved, err := e.ResolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			resolved, err := e.ResolveString(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString resolves the tokens of a single string field.
func (e *Environment) ResolveString(s string) (any, error) {
	if name, ok := ExactToken(s); ok {
		return e.Resolve(name)
	}
	if !ContainsToken(s) {
		return s, nil
	}

	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := tokenPattern.FindStringSubmatch(match)[1]
		value, err := e.Resolve(name)
		if err != nil {
			firstErr = err
			return match
		}
		return Stringify(value)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Stringify renders a bound value for substitution inside text.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any, map[any]any, []string:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// ReplaceTokens rewrites every {{name}} token in s with fn(name).
func ReplaceTokens(s string, fn func(name string) string) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		return fn(tokenPattern.FindStringSubmatch(match)[1])
	})
}
