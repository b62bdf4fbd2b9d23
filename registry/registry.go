// Package registry implements the name-server's in-memory name -> URI map,
// a direct port of Pyro4's naming.py NameServer class.
package registry

import (
	"regexp"
	"strings"
	"sync"

	"github.com/pyro-go/pyro/perror"
	"github.com/pyro-go/pyro/uri"
)

// Registry is a flat namespace: opaque name strings map to URI strings.
// All operations are atomic under a single mutex; the underlying map is
// never exposed directly, and no iteration ever happens concurrently with
// a mutation.
type Registry struct {
	mu        sync.RWMutex
	namespace map[string]string
}

func New() *Registry {
	return &Registry{namespace: make(map[string]string)}
}

// Register adds name -> uriString. uriString must parse as a valid URI and
// name must not already be registered.
func (r *Registry) Register(name string, uriString string) error {
	if name == "" {
		return perror.NewNaming("name must be a non-empty string")
	}
	if _, err := uri.Parse(uriString); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.namespace[name]; exists {
		return perror.NewNaming("name already registered: " + name)
	}
	r.namespace[name] = uriString
	return nil
}

// RegisterURI is a convenience wrapper that formats u before registering.
func (r *Registry) RegisterURI(name string, u uri.URI) error {
	return r.Register(name, uri.Format(u))
}

// Lookup returns the parsed URI registered under name.
func (r *Registry) Lookup(name string) (uri.URI, error) {
	r.mu.RLock()
	s, ok := r.namespace[name]
	r.mu.RUnlock()
	if !ok {
		return uri.URI{}, perror.NewNaming("unknown name: " + name)
	}
	return uri.Parse(s)
}

// Remove deletes name; a missing name is not an error (idempotent).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.namespace, name)
	r.mu.Unlock()
}

// ListOpts selects at most one of Prefix/Regex for List.
type ListOpts struct {
	Prefix string
	Regex  string
}

// List returns the subset of the namespace matching opts, or the whole
// namespace when neither Prefix nor Regex is set. Regex is anchored at
// end-of-string, matching Pyro4's `regex+"$"` behavior.
func (r *Registry) List(opts ListOpts) (map[string]string, error) {
	if opts.Prefix != "" && opts.Regex != "" {
		return nil, perror.NewNaming("at most one of prefix/regex may be given")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if opts.Prefix != "" {
		result := make(map[string]string)
		for name, u := range r.namespace {
			if strings.HasPrefix(name, opts.Prefix) {
				result[name] = u
			}
		}
		return result, nil
	}

	if opts.Regex != "" {
		re, err := regexp.Compile(opts.Regex + "$")
		if err != nil {
			return nil, perror.NewNaming("invalid regex: " + err.Error())
		}
		result := make(map[string]string)
		for name, u := range r.namespace {
			if loc := re.FindStringIndex(name); loc != nil && loc[0] == 0 {
				result[name] = u
			}
		}
		return result, nil
	}

	result := make(map[string]string, len(r.namespace))
	for name, u := range r.namespace {
		result[name] = u
	}
	return result, nil
}

// Ping returns nil; it exists so clients can probe registry liveness the
// same way they would a live object.
func (r *Registry) Ping() error { return nil }

// Len returns the current number of registered names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.namespace)
}
