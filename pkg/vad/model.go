package vad

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Model scores one PCM16LE frame with a speech probability in [0,1].
type Model interface {
	Name() string
	Infer(pcm []byte, sampleRate int) (float64, error)
	Reset() error
	Close() error
}

// ConcurrencySafe is implemented by models whose Infer may be called from
// several goroutines at once. Such models are loaded once and shared
// instead of pooled.
type ConcurrencySafe interface {
	ConcurrencySafe() bool
}

type Loader func() (Model, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[string]Loader{
		"energy": func() (Model, error) { return NewEnergyModel(DefaultEnergyReference), nil },
	}
)

// RegisterModel makes a model available under name. Registering an existing
// name replaces it.
func RegisterModel(name string, load Loader) {
	loadersMu.Lock()
	loaders[strings.ToLower(name)] = load
	loadersMu.Unlock()
}

func LookupModel(name string) (Loader, error) {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	if name == "" {
		name = "energy"
	}
	load, ok := loaders[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("vad model %q not registered (have %s)", name, strings.Join(modelNamesLocked(), ", "))
	}
	return load, nil
}

func modelNamesLocked() []string {
	out := make([]string, 0, len(loaders))
	for k := range loaders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
