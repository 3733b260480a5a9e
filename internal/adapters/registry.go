package adapters

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Adapter)
)

// Register makes an adapter available under its dialect name. Dialect
// packages call this from init, in the manner of database/sql drivers;
// importing a dialect package is what enables it.
func Register(a Adapter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[a.Name()]; dup {
		panic(fmt.Sprintf("adapters: duplicate registration for %q", a.Name()))
	}
	registry[a.Name()] = a
}

// Lookup returns the adapter for the named dialect.
func Lookup(name string) (Adapter, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("adapters: unknown dialect %q", name)
	}
	return a, nil
}

// Names returns the registered dialect names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// extractErrorMessage digs a human-readable message out of the common
// upstream error envelopes: {"error":{"message":...}}, {"error":"..."},
// and {"message":...}.
func extractErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	if len(envelope.Error) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(envelope.Error, &s); err == nil {
		return s
	}
	var inner struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &inner); err == nil {
		return inner.Message
	}
	return ""
}
