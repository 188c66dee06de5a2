// Package watcher hot-loads manually authored rules from .warden/rules/.
// Each *.yaml file holds a list of rule definitions; editing a file
// replaces the rules previously loaded from it. New rules pass the same
// conflict check as distilled ones.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"repowarden/internal/logging"
	"repowarden/internal/policy"
	"repowarden/internal/rulestore"
)

// ruleFile is the on-disk YAML shape.
type ruleFile struct {
	Rules []ruleDef `yaml:"rules"`
}

type ruleDef struct {
	Name       string             `yaml:"name"`
	Category   policy.Category    `yaml:"category"`
	Conditions []policy.Condition `yaml:"conditions"`
	Conclusion policy.Conclusion  `yaml:"conclusion"`
	Severity   policy.Severity    `yaml:"severity"`
	Confidence float64            `yaml:"confidence"`
}

// Stats tracks watcher activity.
type Stats struct {
	FilesLoaded int
	RulesLoaded int
	Errors      int
	LastReload  time.Time
}

// RulesWatcher watches a directory of rule files and keeps the store in
// sync with them.
type RulesWatcher struct {
	dir   string
	store rulestore.Store

	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu         sync.Mutex
	pending    map[string]*time.Timer
	fileRules  map[string][]string // file path -> rule ids loaded from it
	stats      Stats
	started    bool
	stopOnce   sync.Once
	done       chan struct{}
	loopExited chan struct{}
}

// New creates a watcher over dir. The directory is created if missing.
func New(dir string, store rulestore.Store) (*RulesWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create rules dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &RulesWatcher{
		dir:        dir,
		store:      store,
		watcher:    fsw,
		debounce:   200 * time.Millisecond,
		pending:    make(map[string]*time.Timer),
		fileRules:  make(map[string][]string),
		done:       make(chan struct{}),
		loopExited: make(chan struct{}),
	}, nil
}

// LoadAll loads every rule file currently in the directory.
func (w *RulesWatcher) LoadAll() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read rules dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e.Name()) {
			continue
		}
		w.loadFile(filepath.Join(w.dir, e.Name()))
	}
	return nil
}

// Start begins watching until the context is cancelled or Stop is called.
func (w *RulesWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.loop(ctx)
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (w *RulesWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.loopExited
	}
}

// Stats returns a snapshot of watcher activity.
func (w *RulesWatcher) Statistics() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *RulesWatcher) loop(ctx context.Context) {
	defer close(w.loopExited)
	logging.Watcher("watching %s for rule files", w.dir)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				logging.WatcherDebug("event %s on %s", event.Op, event.Name)
				w.scheduleLoad(event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.retireFile(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.WatcherError("fsnotify: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		}
	}
}

// scheduleLoad coalesces event bursts: the load fires once per path after
// the debounce window goes quiet. Editors fire several writes per save.
func (w *RulesWatcher) scheduleLoad(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		w.loadFile(path)
	})
}

// loadFile parses one rule file and swaps its rules into the store:
// previously loaded rules from the same file are disabled first, so an
// edited file never leaves stale siblings enabled.
func (w *RulesWatcher) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.WatcherError("read %s: %v", path, err)
		w.bumpErrors()
		return
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		logging.WatcherError("parse %s: %v", path, err)
		w.bumpErrors()
		return
	}

	w.retireFile(path)

	var loaded []string
	for i, def := range rf.Rules {
		rule, err := def.compile()
		if err != nil {
			logging.WatcherError("%s rule %d: %v", path, i, err)
			w.bumpErrors()
			continue
		}
		if _, err := w.store.Insert(rule); err != nil {
			logging.WatcherError("%s rule %q rejected: %v", path, def.Name, err)
			w.bumpErrors()
			continue
		}
		loaded = append(loaded, rule.ID)
	}

	w.mu.Lock()
	w.fileRules[path] = loaded
	w.stats.FilesLoaded++
	w.stats.RulesLoaded += len(loaded)
	w.stats.LastReload = time.Now()
	w.mu.Unlock()

	logging.Watcher("loaded %d rules from %s", len(loaded), filepath.Base(path))
}

// retireFile disables every rule previously loaded from the file.
func (w *RulesWatcher) retireFile(path string) {
	w.mu.Lock()
	ids := w.fileRules[path]
	delete(w.fileRules, path)
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.store.SetEnabled(id, false); err != nil {
			logging.WatcherWarn("disable %s: %v", id, err)
		}
	}
	if len(ids) > 0 {
		logging.Watcher("retired %d rules from %s", len(ids), filepath.Base(path))
	}
}

func (w *RulesWatcher) bumpErrors() {
	w.mu.Lock()
	w.stats.Errors++
	w.mu.Unlock()
}

func (d ruleDef) compile() (policy.Rule, error) {
	if d.Name == "" {
		return policy.Rule{}, fmt.Errorf("name required")
	}
	if !d.Category.Valid() {
		return policy.Rule{}, fmt.Errorf("invalid category %q", d.Category)
	}
	if len(d.Conditions) == 0 {
		return policy.Rule{}, fmt.Errorf("at least one condition required")
	}
	if d.Conclusion.Fact == "" {
		return policy.Rule{}, fmt.Errorf("conclusion fact required")
	}

	confidence := d.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 1.0 // manual rules are trusted by default
	}
	severity := d.Severity
	if severity == "" {
		severity = policy.SeverityWarning
	}

	rule := policy.Rule{
		ID:         "rule-" + uuid.NewString(),
		Name:       d.Name,
		Category:   d.Category,
		Conditions: d.Conditions,
		Conclusion: d.Conclusion,
		Severity:   severity,
		Provenance: policy.ProvenanceManual,
		Confidence: confidence,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}
	rule.Normalize()
	return rule, nil
}

func isRuleFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
