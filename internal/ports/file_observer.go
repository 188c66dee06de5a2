// Package ports holds the engine-edge adapters the CLI wires in: a
// file-backed observation source for declared fleets and a dry-run action
// port. Real forge adapters implement the same interfaces out of tree.
package ports

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"repowarden/internal/policy"
)

// targetsFile is the on-disk YAML shape for a declared fleet.
type targetsFile struct {
	Targets []targetDef `yaml:"targets"`
}

type targetDef struct {
	Forge string   `yaml:"forge"`
	Owner string   `yaml:"owner"`
	Name  string   `yaml:"name"`
	Facts []string `yaml:"facts"`
}

// FileObserver serves fact snapshots for targets declared in a YAML file.
// Useful for testing rules against a described fleet without a forge
// connection.
type FileObserver struct {
	mu      sync.RWMutex
	targets []policy.Target
	facts   map[string][]string
}

// LoadFileObserver parses a targets file.
func LoadFileObserver(path string) (*FileObserver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	var tf targetsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse targets file %s: %w", path, err)
	}

	o := &FileObserver{facts: make(map[string][]string, len(tf.Targets))}
	for i, td := range tf.Targets {
		if td.Forge == "" || td.Owner == "" || td.Name == "" {
			return nil, fmt.Errorf("target %d: forge, owner and name required", i)
		}
		target := policy.Target{Forge: td.Forge, Owner: td.Owner, Name: td.Name}
		o.targets = append(o.targets, target)
		o.facts[target.ID()] = td.Facts
	}
	return o, nil
}

// Targets returns the declared fleet in file order.
func (o *FileObserver) Targets() []policy.Target {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]policy.Target, len(o.targets))
	copy(out, o.targets)
	return out
}

// Facts returns the declared fact snapshot for a target.
func (o *FileObserver) Facts(ctx context.Context, target policy.Target) (policy.FactSnapshot, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	facts, ok := o.facts[target.ID()]
	if !ok {
		return policy.FactSnapshot{}, fmt.Errorf("target %s: %w", target.ID(), policy.ErrObservationUnavailable)
	}
	return policy.NewFactSnapshot(target.ID(), facts, time.Now().UTC()), nil
}
