// Package settingsfile loads fallback visibility settings from a YAML file.
// Projects without stored settings use these, and a Loader keeps them
// current while the file changes on disk.
package settingsfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/blockvis/internal/core"
	"github.com/matt-riley/blockvis/internal/metrics"
)

const defaultDebounce = 100 * time.Millisecond

var ErrInvalidFile = errors.New("invalid settings file")

type document struct {
	// EnabledControls lists the controls to evaluate by ID or setting slug;
	// omitting it enables every registered control.
	EnabledControls    []string                  `yaml:"enabled_controls"`
	FullControlMode    bool                      `yaml:"full_control_mode"`
	DisabledBlockTypes []string                  `yaml:"disabled_block_types"`
	Breakpoints        core.Breakpoints          `yaml:"breakpoints"`
	Presets            map[string]presetDocument `yaml:"presets"`
}

type presetDocument struct {
	ID       string         `yaml:"id"`
	Title    string         `yaml:"title"`
	Enabled  *bool          `yaml:"enabled"`
	Controls map[string]any `yaml:"controls"`
}

// Parse decodes a settings file. Unknown keys are errors.
func Parse(data []byte) (core.Settings, error) {
	var doc document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return core.Settings{}, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	settings := core.Settings{
		FullControlMode:    doc.FullControlMode,
		DisabledBlockTypes: doc.DisabledBlockTypes,
		Breakpoints:        doc.Breakpoints,
	}
	if doc.EnabledControls != nil {
		settings.EnabledControls = make(map[string]bool, len(doc.EnabledControls))
		for _, id := range doc.EnabledControls {
			settings.EnabledControls[id] = true
		}
	}

	if len(doc.Presets) > 0 {
		settings.Presets = make(map[string]core.Preset, len(doc.Presets))
		for id, p := range doc.Presets {
			preset, err := p.preset()
			if err != nil {
				return core.Settings{}, fmt.Errorf("%w: preset %q: %v", ErrInvalidFile, id, err)
			}
			settings.Presets[id] = preset
		}
	}

	if err := settings.Normalize(); err != nil {
		return core.Settings{}, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	return settings, nil
}

// preset converts YAML control values into the JSON attributes evaluators
// read. Presets are enabled unless they say otherwise.
func (p presetDocument) preset() (core.Preset, error) {
	preset := core.Preset{ID: p.ID, Title: p.Title, Enabled: p.Enabled == nil || *p.Enabled}
	if len(p.Controls) == 0 {
		return preset, nil
	}

	preset.Controls = make(core.Attributes, len(p.Controls))
	for id, value := range p.Controls {
		raw, err := json.Marshal(value)
		if err != nil {
			return core.Preset{}, fmt.Errorf("control %q: %w", id, err)
		}
		preset.Controls[id] = raw
	}
	return preset, nil
}

func Load(path string) (core.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Settings{}, fmt.Errorf("read settings file: %w", err)
	}
	return Parse(data)
}

type Option func(*Loader)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// WithDebounce coalesces bursts of file events, as editors emit several
// per save.
func WithDebounce(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.debounce = d
		}
	}
}

// Loader holds the most recent valid settings from one file. A reload that
// fails keeps serving the previous settings.
type Loader struct {
	path     string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	debounce time.Duration
	current  atomic.Pointer[core.Settings]
}

// New loads path once and fails if the file is unreadable or invalid.
func New(path string, opts ...Option) (*Loader, error) {
	l := &Loader{
		path:     path,
		logger:   slog.Default(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(l)
	}

	settings, err := Load(path)
	if err != nil {
		return nil, err
	}
	l.current.Store(&settings)
	return l, nil
}

// Settings returns the current settings. It is safe to pass as a service
// fallback.
func (l *Loader) Settings() core.Settings {
	return *l.current.Load()
}

func (l *Loader) Reload() error {
	settings, err := Load(l.path)
	l.metrics.RecordSettingsReload(err)
	if err != nil {
		l.logger.Error("settings file reload failed",
			slog.String("path", l.path),
			slog.String("error", err.Error()),
		)
		return err
	}

	l.current.Store(&settings)
	l.logger.Info("settings file reloaded", slog.String("path", l.path))
	return nil
}

// Watch reloads the file whenever it changes until ctx ends. It watches the
// parent directory so files replaced by rename (as editors and ConfigMap
// updates do) are still seen.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(l.path)
	var (
		mu      sync.Mutex
		pending *time.Timer
	)
	defer func() {
		mu.Lock()
		if pending != nil {
			pending.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("settings watcher closed")
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}

			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(l.debounce, func() {
				if ctx.Err() == nil {
					_ = l.Reload()
				}
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("settings watcher closed")
			}
			l.logger.Warn("settings watcher error", slog.String("error", err.Error()))
		}
	}
}
