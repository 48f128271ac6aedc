// Package node maps the node references used by workflow steps onto
// concrete endpoints and credentials.
package node

import (
	"github.com/davidroman0O/meroflow/pkg/config"
)

// Kind distinguishes nodes this tool provisions from pre-existing ones.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Auth holds the credentials presented to a node's admin API.
type Auth struct {
	Method   string // none, user_password or api_key
	Username string
	Password string
	APIKey   string
}

// Descriptor is a resolved node: what a step talks to.
type Descriptor struct {
	Name     string
	Kind     Kind
	Endpoint string
	Auth     Auth
}

// IsRemote reports whether the node was not provisioned by this run.
func (d Descriptor) IsRemote() bool {
	return d.Kind == KindRemote
}

// AuthFromConfig converts a file or CLI auth block.
func AuthFromConfig(cfg *config.AuthConfig) Auth {
	if cfg == nil || cfg.Method == "" {
		return Auth{Method: config.AuthNone}
	}
	return Auth{
		Method:   cfg.Method,
		Username: cfg.Username,
		Password: cfg.Password,
		APIKey:   cfg.APIKey,
	}
}

// Variables is the part of the variable environment the resolver needs.
type Variables interface {
	ResolveString(s string) (any, error)
}
