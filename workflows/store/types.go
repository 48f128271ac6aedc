// Package store provides the variable environment shared by the steps of a
// single workflow run, together with {{name}} token resolution.
package store

import "errors"

// entry holds a bound value and its provenance.
type entry struct {
	value    any
	source   string
	readOnly bool
}

// Common errors returned by the environment
var (
	ErrReadOnly  = errors.New("variable is read-only")
	ErrEmptyName = errors.New("variable name cannot be empty")
)

// Well-known sources recorded with each binding.
const (
	SourceGlobal    = "global"
	SourceIteration = "iteration"
)
