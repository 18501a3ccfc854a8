package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// Loader resolves plugin binaries into Plugin implementations.
type Loader interface {
	Load(path string) (Plugin, error)
}

// entrySymbols are looked up in order when resolving a shared object.
var entrySymbols = []string{"Plugin", "NewPlugin"}

// GoPluginLoader loads shared objects built with -buildmode=plugin.
type GoPluginLoader struct{}

// Load opens the shared object and resolves its entry point. A plugin exports
// either a `Plugin` value (or pointer to one) or a `NewPlugin` constructor.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	var lookupErr error
	for _, name := range entrySymbols {
		symbol, err := so.Lookup(name)
		if err != nil {
			lookupErr = err
			continue
		}
		return resolveEntry(symbol)
	}
	return nil, fmt.Errorf("plugin %s exports no entry point: %w", path, lookupErr)
}

func resolveEntry(symbol goplugin.Symbol) (Plugin, error) {
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil {
			return nil, errors.New("plugin entry symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	default:
		return nil, errors.New("plugin entry symbol must implement plugin.Plugin")
	}
}
