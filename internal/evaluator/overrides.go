// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Statsig (https://www.statsig.com/).
// Copyright 2024 Statsig, Inc.

package evaluator

import (
	"sync"

	"github.com/statsig-io/statsig-server-core-sub001/internal/user"
)

// LocalOverrideAdapter is an in-process OverrideAdapter: overrides set for a
// specific user id win over global ones.
type LocalOverrideAdapter struct {
	mu      sync.RWMutex
	gates   map[string]map[string]bool // name -> user id ("" = all users) -> value
	configs map[string]map[string]map[string]interface{}
	layers  map[string]map[string]map[string]interface{}
}

// NewLocalOverrideAdapter returns an empty adapter.
func NewLocalOverrideAdapter() *LocalOverrideAdapter {
	return &LocalOverrideAdapter{
		gates:   make(map[string]map[string]bool),
		configs: make(map[string]map[string]map[string]interface{}),
		layers:  make(map[string]map[string]map[string]interface{}),
	}
}

// SetGate overrides gate name for userID; an empty userID applies to every
// user.
func (a *LocalOverrideAdapter) SetGate(name, userID string, value bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gates[name] == nil {
		a.gates[name] = make(map[string]bool)
	}
	a.gates[name][userID] = value
}

// SetConfig overrides config or experiment name for userID.
func (a *LocalOverrideAdapter) SetConfig(name, userID string, value map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.configs[name] == nil {
		a.configs[name] = make(map[string]map[string]interface{})
	}
	a.configs[name][userID] = value
}

// SetLayer overrides layer name for userID.
func (a *LocalOverrideAdapter) SetLayer(name, userID string, value map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.layers[name] == nil {
		a.layers[name] = make(map[string]map[string]interface{})
	}
	a.layers[name][userID] = value
}

// RemoveGate clears every override of gate name.
func (a *LocalOverrideAdapter) RemoveGate(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.gates, name)
}

// GateOverride implements OverrideAdapter.
func (a *LocalOverrideAdapter) GateOverride(u *user.User, name string) (bool, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	byUser, ok := a.gates[name]
	if !ok {
		return false, false
	}
	if v, ok := byUser[u.UserID]; ok {
		return v, true
	}
	v, ok := byUser[""]
	return v, ok
}

// ConfigOverride implements OverrideAdapter.
func (a *LocalOverrideAdapter) ConfigOverride(u *user.User, name string) (map[string]interface{}, bool) {
	return lookupValueOverride(&a.mu, a.configs, u, name)
}

// LayerOverride implements OverrideAdapter.
func (a *LocalOverrideAdapter) LayerOverride(u *user.User, name string) (map[string]interface{}, bool) {
	return lookupValueOverride(&a.mu, a.layers, u, name)
}

func lookupValueOverride(
	mu *sync.RWMutex,
	m map[string]map[string]map[string]interface{},
	u *user.User,
	name string,
) (map[string]interface{}, bool) {
	mu.RLock()
	defer mu.RUnlock()
	byUser, ok := m[name]
	if !ok {
		return nil, false
	}
	if v, ok := byUser[u.UserID]; ok {
		return v, true
	}
	v, ok := byUser[""]
	return v, ok
}
