// Copyright © 2019-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package rshim

import "sync"

// The registry maps stable device names to live backend instances so that a
// re-discovery of an already known device reuses the existing instance. It
// has its own lock, distinct from any per-instance mutex, so enumeration and
// dedup never contend with in-flight hardware operations.
type Registry struct {
	mu       sync.Mutex
	backends map[string]Backend

	// AllowDevice, when non-nil, accepts or rejects a discovered device
	// by name before any hardware I/O is attempted on it.
	AllowDevice func(name string) bool
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Allowed consults the allow/deny policy for a candidate device name.
func (r *Registry) Allowed(name string) bool {
	if r.AllowDevice == nil {
		return true
	}
	return r.AllowDevice(name)
}

// FindByName returns the registered backend with the given stable name, or
// nil if the name is unknown.
func (r *Registry) FindByName(name string) Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backends[name]
}

// Register adds bd under its stable name. If the name is already registered
// the existing instance wins and Register reports false, keeping the
// at-most-one-instance-per-name invariant.
func (r *Registry) Register(bd Backend) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.backends[bd.Name()]; found {
		return false
	}
	r.backends[bd.Name()] = bd
	return true
}

// Deregister removes bd from the registry. It only removes bd itself, so a
// discarded instance tearing down cannot evict a live one registered under
// the same name.
func (r *Registry) Deregister(bd Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backends[bd.Name()] == bd {
		delete(r.backends, bd.Name())
	}
}

// Names returns the registered device names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
