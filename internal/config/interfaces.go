package config

import "context"

// SecretProvider resolves secret references into plaintext values. The
// default implementation reads mounted secret files (Docker/Kubernetes
// secrets); tests inject fakes.
type SecretProvider interface {
	// Resolve returns a map of reference -> plaintext value for every reference
	// it could resolve. Unresolvable references are omitted from the map.
	Resolve(ctx context.Context, refs []string) (map[string]string, error)
}
