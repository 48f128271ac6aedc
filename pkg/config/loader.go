package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/davidroman0O/meroflow/errors"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// Format identifies a workflow file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the encoding from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported workflow file format: %s", filepath.Ext(path))
	}
}

// LoadWorkflowFile loads a workflow file and returns the parsed WorkflowFile
// with defaults applied and remote node placeholders expanded.
func LoadWorkflowFile(path string) (*WorkflowFile, error) {
	return LoadWorkflowFileWithEnv(path, os.LookupEnv)
}

// LoadWorkflowFileWithEnv is LoadWorkflowFile with a custom environment lookup.
func LoadWorkflowFileWithEnv(path string, lookup LookupEnvFunc) (*WorkflowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.ErrNotFound, "workflow file not found")
		}
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	format, err := FormatFromPath(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigValidation, "cannot load workflow")
	}

	wf, err := Parse(data, format, lookup)
	if err != nil {
		return nil, errors.WithContext(err, map[string]interface{}{"path": path})
	}
	return wf, nil
}

// Parse decodes a workflow document.
func Parse(data []byte, format Format, lookup LookupEnvFunc) (*WorkflowFile, error) {
	raw := map[string]any{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(err, errors.ErrConfigValidation, "failed to parse YAML workflow")
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(err, errors.ErrConfigValidation, "failed to parse JSON workflow")
		}
	default:
		return nil, errors.Newf(errors.ErrConfigValidation, "unsupported workflow format: %s", format)
	}
	if raw == nil {
		return nil, errors.New(errors.ErrConfigValidation, "workflow file is empty")
	}

	var warnings []string
	if remote, ok := raw["remote_nodes"].(map[string]any); ok {
		warnings = append(warnings, expandRemoteNodes(remote, lookup)...)
	}

	wf := &WorkflowFile{}
	unused, err := decode(raw, wf)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigValidation, "invalid workflow structure")
	}
	for _, key := range unused {
		warnings = append(warnings, fmt.Sprintf("unknown top-level key %q ignored", key))
	}

	wf.ApplyDefaults()
	wf.Warnings = warnings
	return wf, nil
}

// decode maps a raw document onto out and returns the keys nothing consumed.
func decode(input any, out any) ([]string, error) {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata: &md,
		Result:   out,
		TagName:  "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(input); err != nil {
		return nil, err
	}

	var unused []string
	for _, key := range md.Unused {
		if !isNested(key) {
			unused = append(unused, key)
		}
	}
	sort.Strings(unused)
	return unused, nil
}

func isNested(s string) bool {
	for _, r := range s {
		if r == '.' || r == '[' {
			return true
		}
	}
	return false
}

// DecodeFields decodes kind-specific step fields into a typed struct.
// Integer targets accept whole floats as produced by JSON documents.
func DecodeFields(fields map[string]any, out any) error {
	_, err := decode(fields, out)
	return err
}
