package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/davidroman0O/meroflow/workflows/store"
	"github.com/tidwall/gjson"
)

var indexPattern = regexp.MustCompile(`\[(\d+)\]`)

// ExtractPath reads a dotted path out of a step payload. Array elements are
// addressed as "items.0" or "items[0]". When a path segment lands on a string
// that holds JSON, the remaining segments are applied inside that document.
func ExtractPath(data any, path string) (any, bool) {
	doc, ok := toJSON(data)
	if !ok {
		return nil, false
	}

	path = strings.Trim(indexPattern.ReplaceAllString(path, ".$1"), ".")
	if path == "" {
		return gjson.Parse(doc).Value(), true
	}

	segments := strings.Split(path, ".")
	var result gjson.Result
	for i, seg := range segments {
		result = gjson.Get(doc, escapeSegment(seg))
		if !result.Exists() {
			return nil, false
		}
		last := i == len(segments)-1
		if last {
			break
		}
		if result.Type == gjson.String && gjson.Valid(result.Str) {
			doc = result.Str
		} else {
			doc = result.Raw
		}
	}
	return result.Value(), true
}

func toJSON(data any) (string, bool) {
	if s, ok := data.(string); ok {
		if gjson.Valid(s) {
			return s, true
		}
		raw, _ := json.Marshal(s)
		return string(raw), true
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// escapeSegment makes a path segment literal for gjson.
func escapeSegment(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		switch r {
		case '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// captureOutputs binds every declared output of a successful step. Missing
// paths produce warnings and leave the variable unbound.
func captureOutputs(env *store.Environment, stepName string, outputs map[string]string, data any) ([]string, error) {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var warnings []string
	for _, name := range names {
		path := outputs[name]
		value, ok := ExtractPath(data, path)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("output '%s': path '%s' not found in result of step '%s'", name, path, stepName))
			continue
		}
		if err := env.SetWithSource(name, value, stepName); err != nil {
			return warnings, err
		}
	}
	return warnings, nil
}
