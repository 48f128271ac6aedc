package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/davidroman0O/meroflow/pkg/validate"
	"github.com/davidroman0O/meroflow/workflows/store"
)

func (c *stepCall) has(name string) bool {
	v, ok := c.fields[name]
	return ok && v != nil
}

// str returns a field as a string. Non-string values are rendered the way
// tokens are substituted into text.
func (c *stepCall) str(name string) string {
	v, ok := c.fields[name]
	if !ok || v == nil {
		return ""
	}
	return store.Stringify(v)
}

func (c *stepCall) strOr(name, def string) string {
	if s := c.str(name); s != "" {
		return s
	}
	return def
}

func (c *stepCall) require(name string) (string, error) {
	s := c.str(name)
	if s == "" {
		return "", fmt.Errorf("field '%s' is empty", name)
	}
	return s, nil
}

// intOr returns an integer field, accepting whole floats and numeric
// strings produced by token substitution.
func (c *stepCall) intOr(name string, def int) (int, error) {
	v, ok := c.fields[name]
	if !ok || v == nil {
		return def, nil
	}
	if n, ok := validate.AsInt(v); ok {
		return n, nil
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("field '%s' must be an integer, got %v", name, v)
}

func (c *stepCall) boolean(name string) bool {
	switch v := c.fields[name].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// list returns a field that may be a single value or a list.
func (c *stepCall) list(name string) []any {
	switch v := c.fields[name].(type) {
	case nil:
		return nil
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

func (c *stepCall) strings(name string) []string {
	items := c.list(name)
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, store.Stringify(item))
	}
	return out
}

// payload decodes a field that may arrive as a JSON string.
func (c *stepCall) payload(name string) any {
	v := c.fields[name]
	if s, ok := v.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			return decoded
		}
	}
	return v
}

// duration reads a field expressed in seconds. Fractions are allowed.
func (c *stepCall) duration(name string, def time.Duration) (time.Duration, error) {
	v, ok := c.fields[name]
	if !ok || v == nil {
		return def, nil
	}
	var secs float64
	switch n := v.(type) {
	case float64:
		secs = n
	case float32:
		secs = float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("field '%s' must be a number of seconds, got %q", name, n)
		}
		secs = f
	default:
		i, ok := validate.AsInt(v)
		if !ok {
			return 0, fmt.Errorf("field '%s' must be a number of seconds, got %v", name, v)
		}
		secs = float64(i)
	}
	if secs < 0 {
		return 0, fmt.Errorf("field '%s' must be >= 0, got %v", name, secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
