package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/morrisxyang/xreflect"
)

// RemoteOverride is a remote node definition supplied on the command line.
// An empty URL or nil Auth leaves the file's value in place.
type RemoteOverride struct {
	URL  string
	Auth *AuthConfig
}

// ParseRemoteNodeFlags parses repeated --remote-node name=url flags.
func ParseRemoteNodeFlags(flags []string) (map[string]string, error) {
	out := make(map[string]string, len(flags))
	for _, flag := range flags {
		name, url, ok := strings.Cut(flag, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, errors.Newf(errors.ErrInvalidInput, "invalid --remote-node %q, expected name=url", flag)
		}
		out[name] = url
	}
	return out, nil
}

// ParseRemoteAuthFlags parses repeated --remote-auth flags of the form
// name=none, name=user_password:user:secret or name=api_key:key.
func ParseRemoteAuthFlags(flags []string) (map[string]*AuthConfig, error) {
	out := make(map[string]*AuthConfig, len(flags))
	for _, flag := range flags {
		name, spec, ok := strings.Cut(flag, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || spec == "" {
			return nil, errors.Newf(errors.ErrInvalidInput, "invalid --remote-auth %q, expected name=method[:user[:secret]]", flag)
		}

		parts := strings.SplitN(spec, ":", 3)
		auth := &AuthConfig{Method: parts[0]}
		switch auth.Method {
		case AuthNone:
		case AuthUserPassword:
			if len(parts) != 3 {
				return nil, errors.Newf(errors.ErrInvalidInput, "--remote-auth %q: user_password needs user and password", name)
			}
			auth.Username, auth.Password = parts[1], parts[2]
		case AuthAPIKey:
			if len(parts) < 2 {
				return nil, errors.Newf(errors.ErrInvalidInput, "--remote-auth %q: api_key needs a key", name)
			}
			auth.APIKey = strings.Join(parts[1:], ":")
		default:
			return nil, errors.Newf(errors.ErrInvalidInput, "--remote-auth %q: unknown method %q", name, auth.Method)
		}
		out[name] = auth
	}
	return out, nil
}

// MergeRemoteOverrides combines parsed --remote-node and --remote-auth flags.
func MergeRemoteOverrides(urls map[string]string, auths map[string]*AuthConfig) map[string]RemoteOverride {
	out := make(map[string]RemoteOverride, len(urls)+len(auths))
	for name, url := range urls {
		o := out[name]
		o.URL = url
		out[name] = o
	}
	for name, auth := range auths {
		o := out[name]
		o.Auth = auth
		out[name] = o
	}
	return out
}

// ApplyRemoteOverrides layers command-line remote node definitions over the
// file. The command line wins for the whole URL and for the whole auth block.
func (w *WorkflowFile) ApplyRemoteOverrides(overrides map[string]RemoteOverride) error {
	if len(overrides) == 0 {
		return nil
	}
	if w.RemoteNodes == nil {
		w.RemoteNodes = make(map[string]RemoteNodeConfig, len(overrides))
	}

	for name, o := range overrides {
		entry, exists := w.RemoteNodes[name]
		if o.URL != "" {
			entry.URL = o.URL
		}
		if o.Auth != nil {
			auth := *o.Auth
			entry.Auth = &auth
		}
		if !exists && entry.URL == "" {
			return errors.Newf(errors.ErrInvalidInput, "remote node %q has auth but no url", name)
		}
		w.RemoteNodes[name] = entry
	}
	return nil
}

// ApplySetOverrides applies --set Field.Path=value assignments to the
// workflow. Paths use Go field names, e.g. WaitTimeout=120.
func (w *WorkflowFile) ApplySetOverrides(assignments []string) error {
	for _, assignment := range assignments {
		path, raw, ok := strings.Cut(assignment, "=")
		if !ok || path == "" {
			return errors.Newf(errors.ErrInvalidInput, "invalid --set %q, expected Field=value", assignment)
		}

		target, err := fieldType(reflect.TypeOf(w).Elem(), path)
		if err != nil {
			return errors.Wrap(err, errors.ErrInvalidInput, fmt.Sprintf("cannot set %s", path))
		}
		value, err := coerce(ParseValue(raw), target)
		if err != nil {
			return errors.Wrap(err, errors.ErrInvalidInput, fmt.Sprintf("cannot set %s", path))
		}
		if err := xreflect.SetEmbedField(w, path, value); err != nil {
			return errors.Wrap(err, errors.ErrInvalidInput, fmt.Sprintf("cannot set %s", path))
		}
	}
	return nil
}

// ParseValue interprets a command-line value as int, float, bool or string,
// in that order.
func ParseValue(raw string) any {
	if i, err := strconv.Atoi(raw); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func fieldType(t reflect.Type, path string) (reflect.Type, error) {
	for _, name := range strings.Split(path, ".") {
		for t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		if t.Kind() != reflect.Struct {
			return nil, fmt.Errorf("%s is not a struct field path", path)
		}
		f, ok := t.FieldByName(name)
		if !ok || !f.IsExported() {
			return nil, fmt.Errorf("unknown field %s", name)
		}
		t = f.Type
	}
	return t, nil
}

func coerce(v any, target reflect.Type) (any, error) {
	switch target.Kind() {
	case reflect.String:
		return fmt.Sprint(v), nil
	case reflect.Int:
		switch n := v.(type) {
		case int:
			return n, nil
		case float64:
			if n == float64(int(n)) {
				return int(n), nil
			}
		}
	case reflect.Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case reflect.Float64:
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case float64:
			return n, nil
		}
	}
	return nil, fmt.Errorf("value %v does not fit %s", v, target)
}
