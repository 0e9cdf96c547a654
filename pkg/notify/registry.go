// Package notify delivers terminal work item updates to registered client
// callback URLs.
package notify

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
)

var ErrInvalidTarget = errors.New("invalid notification target")

// Registry is the set of callback URLs that receive terminal updates.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]struct{}
}

func NewRegistry(targets ...string) (*Registry, error) {
	r := &Registry{targets: make(map[string]struct{}, len(targets))}

	for _, target := range targets {
		if _, err := r.Register(target); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register adds target and reports whether it was not yet registered.
func (r *Registry) Register(target string) (bool, error) {
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return false, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.targets[target]; ok {
		return false, nil
	}

	r.targets[target] = struct{}{}

	return true, nil
}

// Unregister removes target and reports whether it was registered.
func (r *Registry) Unregister(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.targets[target]; !ok {
		return false
	}

	delete(r.targets, target)

	return true
}

// Targets returns a sorted snapshot of the registered URLs.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]string, 0, len(r.targets))
	for target := range r.targets {
		targets = append(targets, target)
	}

	slices.Sort(targets)

	return targets
}
