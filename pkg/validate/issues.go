// Package validate checks workflow definitions before anything runs:
// structural validation of the step tree and the dry-run variable analysis.
package validate

import (
	"fmt"
	"strings"

	"github.com/davidroman0O/meroflow/errors"
)

// Issue is one problem found in a workflow, located by its path in the
// step tree.
type Issue struct {
	// Location is a path such as steps[2].groups[0].steps[1], empty for
	// top-level keys.
	Location string
	// StepName is the name of the offending step, if any.
	StepName string
	Field    string
	Message  string
	Code     errors.ErrorCode
}

// String renders the issue as "steps[2].steps[0] (name): message".
func (i Issue) String() string {
	var b strings.Builder
	if i.Location != "" {
		b.WriteString(i.Location)
		if i.StepName != "" {
			fmt.Fprintf(&b, " (%s)", i.StepName)
		}
		b.WriteString(": ")
	}
	b.WriteString(i.Message)
	return b.String()
}

// Report collects every issue found by a validation pass.
type Report struct {
	Issues []Issue
}

// Valid reports whether no issue was found.
func (r *Report) Valid() bool {
	return len(r.Issues) == 0
}

// Messages returns the rendered issues in discovery order.
func (r *Report) Messages() []string {
	out := make([]string, len(r.Issues))
	for i, issue := range r.Issues {
		out[i] = issue.String()
	}
	return out
}

// Err returns nil for a valid report, otherwise one batched error carrying
// every issue. The code is ErrNestingLimitExceeded when any issue is a
// nesting violation, ErrConfigValidation otherwise.
func (r *Report) Err() error {
	if r.Valid() {
		return nil
	}

	code := errors.ErrConfigValidation
	for _, issue := range r.Issues {
		if issue.Code == errors.ErrNestingLimitExceeded {
			code = errors.ErrNestingLimitExceeded
			break
		}
	}

	msgs := r.Messages()
	err := errors.Newf(code, "workflow has %d validation issue(s):\n  - %s", len(msgs), strings.Join(msgs, "\n  - "))
	return errors.WithContext(err, map[string]interface{}{"issues": r.Issues})
}

func (r *Report) add(loc location, field, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{
		Location: loc.path,
		StepName: loc.name,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
		Code:     errors.ErrConfigValidation,
	})
}

// Issues carried by a validation error, if any.
func IssuesOf(err error) []Issue {
	issues, _ := errors.GetContext(err)["issues"].([]Issue)
	return issues
}

// location identifies a step while walking the tree.
type location struct {
	path string
	name string
}

func (l location) child(field string, index int) location {
	if l.path == "" {
		return location{path: fmt.Sprintf("%s[%d]", field, index)}
	}
	return location{path: fmt.Sprintf("%s.%s[%d]", l.path, field, index)}
}
