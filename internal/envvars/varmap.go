// Package envvars holds the variable mappings a prebuild phase works on and
// the rules for layering them.
package envvars

import (
	"sort"
	"strings"
)

// VariableMap is an insertion-ordered, case-sensitive mapping of variable
// names to values. Overwriting a key keeps its original position.
//
// The zero value is ready to use.
type VariableMap struct {
	keys   []string
	values map[string]string
}

// New creates an empty VariableMap.
func New() *VariableMap {
	return &VariableMap{values: make(map[string]string)}
}

// FromMap builds a VariableMap from a plain map. Go maps are unordered, so
// keys are inserted in sorted order to keep the result deterministic.
func FromMap(m map[string]string) *VariableMap {
	vm := New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vm.Set(k, m[k])
	}
	return vm
}

// FromEnviron builds a VariableMap from KEY=VALUE pairs, in order. Entries
// without '=' are ignored.
func FromEnviron(environ []string) *VariableMap {
	vm := New()
	for _, kv := range environ {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			continue
		}
		vm.Set(key, value)
	}
	return vm
}

func (vm *VariableMap) init() {
	if vm.values == nil {
		vm.values = make(map[string]string)
	}
}

// Get returns the value for key or the empty string.
func (vm *VariableMap) Get(key string) string {
	if vm == nil {
		return ""
	}
	return vm.values[key]
}

// Lookup returns the value for key and whether it is present.
func (vm *VariableMap) Lookup(key string) (string, bool) {
	if vm == nil {
		return "", false
	}
	v, ok := vm.values[key]
	return v, ok
}

// Set inserts or overwrites key.
func (vm *VariableMap) Set(key, value string) {
	vm.init()
	if _, exists := vm.values[key]; !exists {
		vm.keys = append(vm.keys, key)
	}
	vm.values[key] = value
}

// SetIfAbsent inserts key only when it is not present yet and reports
// whether it did.
func (vm *VariableMap) SetIfAbsent(key, value string) bool {
	if _, exists := vm.Lookup(key); exists {
		return false
	}
	vm.Set(key, value)
	return true
}

// Delete removes key if present.
func (vm *VariableMap) Delete(key string) {
	if vm == nil {
		return
	}
	if _, exists := vm.values[key]; !exists {
		return
	}
	delete(vm.values, key)
	for i, k := range vm.keys {
		if k == key {
			vm.keys = append(vm.keys[:i], vm.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of variables.
func (vm *VariableMap) Len() int {
	if vm == nil {
		return 0
	}
	return len(vm.keys)
}

// Keys returns the variable names in insertion order.
func (vm *VariableMap) Keys() []string {
	if vm == nil {
		return nil
	}
	out := make([]string, len(vm.keys))
	copy(out, vm.keys)
	return out
}

// Range calls fn for every variable in insertion order until fn returns false.
func (vm *VariableMap) Range(fn func(key, value string) bool) {
	if vm == nil {
		return
	}
	for _, k := range vm.keys {
		if !fn(k, vm.values[k]) {
			return
		}
	}
}

// Clone returns an independent copy.
func (vm *VariableMap) Clone() *VariableMap {
	out := New()
	vm.Range(func(k, v string) bool {
		out.Set(k, v)
		return true
	})
	return out
}

// Merge applies every variable of layer onto vm, overwriting existing keys.
func (vm *VariableMap) Merge(layer *VariableMap) {
	layer.Range(func(k, v string) bool {
		vm.Set(k, v)
		return true
	})
}

// Equal reports whether both maps hold the same keys, values and order.
func (vm *VariableMap) Equal(other *VariableMap) bool {
	if vm.Len() != other.Len() {
		return false
	}
	for i, k := range vm.Keys() {
		if other.keys[i] != k || other.values[k] != vm.values[k] {
			return false
		}
	}
	return true
}

// Environ renders the map as KEY=VALUE pairs for process environments.
func (vm *VariableMap) Environ() []string {
	out := make([]string, 0, vm.Len())
	vm.Range(func(k, v string) bool {
		out = append(out, k+"="+v)
		return true
	})
	return out
}

// ToMap returns a plain copy of the variables.
func (vm *VariableMap) ToMap() map[string]string {
	out := make(map[string]string, vm.Len())
	vm.Range(func(k, v string) bool {
		out[k] = v
		return true
	})
	return out
}
