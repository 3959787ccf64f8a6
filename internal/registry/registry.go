// Package registry discovers installed adapter packages on disk and maps
// adapter types to their executable entry paths.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	hverrors "github.com/haven-home/haven/internal/errors"
)

// ManifestName is the well-known file name at each adapter package root.
const ManifestName = "adapter.json"

// SetupCapability describes one interactive onboarding capability.
type SetupCapability struct {
	Description string `json:"description"`
}

// Setup lists the onboarding capabilities an adapter declares.
type Setup struct {
	Discover *SetupCapability `json:"discover,omitempty"`
	Pair     *SetupCapability `json:"pair,omitempty"`
}

// Manifest is the per-package declaration. Unknown keys are ignored; a
// missing multiInstance defaults to false.
type Manifest struct {
	Type          string `json:"type"`
	Entry         string `json:"entry"`
	MultiInstance bool   `json:"multiInstance"`
	Setup         *Setup `json:"setup,omitempty"`
}

type entry struct {
	manifest  Manifest
	entryPath string // absolute
}

// Registry scans package directories for manifests. Manifests are read-only
// during a run; Rescan reloads them.
type Registry struct {
	mu         sync.RWMutex
	searchDirs []string
	entries    map[string]entry // type -> entry
}

// New builds a registry over the given search directories and performs the
// initial scan. Missing directories are tolerated.
func New(searchDirs []string) *Registry {
	r := &Registry{searchDirs: searchDirs}
	r.Rescan()
	return r
}

// Rescan reloads all manifests from the search directories.
func (r *Registry) Rescan() {
	entries := make(map[string]entry)

	for _, dir := range r.searchDirs {
		items, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warn().Err(err).Str("dir", dir).Msg("Failed to read adapter directory")
			}
			continue
		}
		for _, item := range items {
			if !item.IsDir() {
				continue
			}
			pkgDir := filepath.Join(dir, item.Name())
			manifest, err := readManifest(filepath.Join(pkgDir, ManifestName))
			if err != nil {
				if !os.IsNotExist(err) {
					log.Warn().Err(err).Str("package", pkgDir).Msg("Skipping adapter package with invalid manifest")
				}
				continue
			}
			if _, dup := entries[manifest.Type]; dup {
				log.Warn().Str("type", manifest.Type).Str("package", pkgDir).Msg("Duplicate adapter type, keeping first")
				continue
			}
			entries[manifest.Type] = entry{
				manifest:  *manifest,
				entryPath: filepath.Join(pkgDir, manifest.Entry),
			}
		}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	log.Debug().Int("count", len(entries)).Msg("Adapter registry scanned")
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Type == "" || m.Entry == "" {
		return nil, fmt.Errorf("manifest missing type or entry")
	}
	return &m, nil
}

// Resolve maps an adapter type to the executable entry path of its package.
func (r *Registry) Resolve(adapterType string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[adapterType]
	if !ok {
		return "", fmt.Errorf("adapter type %q: %w", adapterType, hverrors.ErrUnknownAdapterType)
	}
	return e.entryPath, nil
}

// Setup returns the onboarding capabilities an adapter type declares, or nil
// when it declares none.
func (r *Registry) Setup(adapterType string) (*Setup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[adapterType]
	if !ok {
		return nil, fmt.Errorf("adapter type %q: %w", adapterType, hverrors.ErrUnknownAdapterType)
	}
	return e.manifest.Setup, nil
}

// Types returns the known adapter types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}

// Watch rescans when a manifest changes under any search directory, so
// dropping a new adapter package in place is picked up without a restart.
// Events are debounced because package installs touch many files. Returns a
// stop function.
func (r *Registry) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range r.searchDirs {
		if err := watcher.Add(dir); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("dir", dir).Msg("Failed to watch adapter directory")
		}
	}

	stopChan := make(chan struct{})
	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					log.Info().Str("trigger", event.Name).Msg("Adapter directory changed, rescanning")
					r.Rescan()
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Adapter directory watcher error")
			case <-stopChan:
				return
			}
		}
	}()

	return func() {
		close(stopChan)
		watcher.Close()
	}, nil
}
