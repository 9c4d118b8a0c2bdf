package device

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Constructor takes a backend specific configuration string (possibly empty)
// and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registryMu      sync.Mutex
	constructors    = make(map[string]Constructor)
	firstRegistered string
)

// Register makes a backend available under name. Call it from the backend
// package's init.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(constructors) == 0 {
		firstRegistered = name
	}
	constructors[name] = constructor
}

// Registered returns the names of all registered backends, sorted.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBackend creates a backend from a configuration string of the form
// "<backend_name>:<backend_configuration>". An empty name selects the first
// registered backend.
func NewBackend(config string) (Backend, error) {
	registryMu.Lock()
	if len(constructors) == 0 {
		registryMu.Unlock()
		return nil, errors.Wrap(ErrNoPlatform, "no device backends registered")
	}
	name, backendConfig := firstRegistered, ""
	if config != "" {
		name = config
		if idx := strings.Index(config, ":"); idx != -1 {
			name, backendConfig = config[:idx], config[idx+1:]
		}
		if name == "" {
			name = firstRegistered
		}
	}
	constructor, found := constructors[name]
	registryMu.Unlock()
	if !found {
		return nil, errors.Wrapf(ErrNoPlatform, "backend %q is not available (registered: %s)",
			name, strings.Join(Registered(), ", "))
	}
	return constructor(backendConfig)
}
