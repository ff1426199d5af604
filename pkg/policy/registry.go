package policy

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Registry holds the source classifications for every known provider.
// Classifications are loaded from a YAML file and may be hot-reloaded when the
// file changes, so a provider reclassified after a recipe was authored is
// caught by the defensive re-check at assembly time.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]SourceClassification
	logger  zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// registryFile is the on-disk shape of the classification file.
type registryFile struct {
	Sources []classificationEntry `yaml:"sources"`
}

type classificationEntry struct {
	Provider        string `yaml:"provider"`
	License         string `yaml:"license"`
	Attribution     string `yaml:"attribution"`
	RefreshInterval string `yaml:"refresh_interval"`
}

// NewRegistry creates a registry pre-populated with the given classifications.
func NewRegistry(logger zerolog.Logger, entries []SourceClassification) *Registry {
	r := &Registry{
		entries: make(map[string]SourceClassification, len(entries)),
		logger:  logger.With().Str("component", "policy-registry").Logger(),
	}
	for _, e := range entries {
		r.entries[e.Provider] = e
	}
	return r
}

// LoadRegistry loads classifications from a YAML file.
func LoadRegistry(logger zerolog.Logger, path string) (*Registry, error) {
	r := NewRegistry(logger, nil)
	if err := r.loadFile(path); err != nil {
		return nil, err
	}
	return r, nil
}

// loadFile parses the classification file and replaces the registry contents.
func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read classification file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse classification file: %w", err)
	}

	entries := make(map[string]SourceClassification, len(file.Sources))
	for _, e := range file.Sources {
		if e.Provider == "" {
			return fmt.Errorf("classification entry missing provider name")
		}
		license := License(e.License)
		if license != LicenseRedistributable && license != LicenseDisplayOnly {
			return fmt.Errorf("provider %s: unknown license %q", e.Provider, e.License)
		}
		var interval time.Duration
		if e.RefreshInterval != "" {
			interval, err = time.ParseDuration(e.RefreshInterval)
			if err != nil {
				return fmt.Errorf("provider %s: bad refresh_interval: %w", e.Provider, err)
			}
		}
		entries[e.Provider] = SourceClassification{
			Provider:        e.Provider,
			License:         license,
			Attribution:     e.Attribution,
			RefreshInterval: interval,
		}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	r.logger.Info().Int("sources", len(entries)).Str("path", path).
		Msg("Source classifications loaded")
	return nil
}

// Watch reloads the registry whenever the classification file changes.
// It returns immediately; call Close to stop watching.
func (r *Registry) Watch(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
					if err := r.loadFile(path); err != nil {
						r.logger.Error().Err(err).Msg("Classification reload failed; keeping previous registry")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error().Err(err).Msg("Classification watcher error")
			case <-r.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the file watcher, if any.
func (r *Registry) Close() error {
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Lookup returns the classification for a provider.
func (r *Registry) Lookup(provider string) (SourceClassification, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[provider]
	return c, ok
}

// Attribution returns the attribution text for a provider, or "".
func (r *Registry) Attribution(provider string) string {
	c, _ := r.Lookup(provider)
	return c.Attribution
}

// Providers returns the names of all classified providers.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
