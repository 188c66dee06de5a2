package main

import (
	"fmt"
	"path/filepath"

	"repowarden/internal/config"
	"repowarden/internal/distill"
	"repowarden/internal/gate"
	"repowarden/internal/lock"
	"repowarden/internal/patterns"
	"repowarden/internal/pipeline"
	"repowarden/internal/policy"
	"repowarden/internal/query"
	"repowarden/internal/report"
	"repowarden/internal/rescache"
	"repowarden/internal/rulestore"
)

// engine is the wired-up enforcement stack shared by the commands.
type engine struct {
	cfg       *config.Config
	rules     rulestore.Store
	reports   report.Store
	distiller *distill.Distiller
	source    *patterns.FileSource
	cache     *rescache.Cache
	locks     *lock.Manager
	gate      *gate.Gate
	query     *query.Service
}

// newEngine builds the stack from the workspace config. SQLite persistence
// is used unless store.path is blanked out in config.
func newEngine(workspace string) (*engine, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}

	var rules rulestore.Store
	var reports report.Store
	if path := cfg.StorePath(workspace); path != "" {
		rules, err = rulestore.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("open rule store: %w", err)
		}
		reports, err = report.NewSQLiteStore(path)
		if err != nil {
			rules.Close()
			return nil, fmt.Errorf("open report store: %w", err)
		}
	} else {
		rules = rulestore.NewMemoryStore()
		reports = report.NewMemoryStore()
	}

	table := distill.DefaultTable()
	mappingPath := cfg.Distill.MappingPath
	if mappingPath == "" {
		mappingPath = filepath.Join(workspace, ".warden", "mapping.yaml")
	}
	if t, err := distill.LoadTable(mappingPath); err == nil {
		table = t
	}

	source, err := patterns.NewFileSource(filepath.Join(workspace, ".warden", "patterns"))
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:       cfg,
		rules:     rules,
		reports:   reports,
		distiller: distill.New(rules, table, cfg.Distill.Threshold),
		source:    source,
		cache:     rescache.New(cfg.Cache.TTLDuration()),
		locks:     lock.NewManager(),
		gate:      gate.NewGate(cfg.Gate.AutoApply, cfg.Gate.Propose),
	}
	e.query = query.New(rules, reports, nil, e.distiller)
	return e, nil
}

// runner builds a pass runner over the given observer and action port.
func (e *engine) runner(observer policy.ObservationSource, port policy.ActionPort) *pipeline.Runner {
	executor := gate.NewExecutor(e.locks, e.rules, port,
		e.cfg.Lock.TTLDuration(), e.cfg.Pipeline.ActionTimeoutDuration())
	return pipeline.NewRunner(pipeline.Deps{
		Observer: observer,
		Rules:    e.rules,
		Gate:     e.gate,
		Executor: executor,
		Cache:    e.cache,
		Feedback: e.source,
		Reports:  e.reports,
		Weights: report.Weights{
			Critical: e.cfg.Report.CriticalWeight,
			Warning:  e.cfg.Report.WarningWeight,
			Info:     e.cfg.Report.InfoWeight,
		},
		MaxParallel: e.cfg.Pipeline.MaxParallel,
	})
}

func (e *engine) close() {
	e.rules.Close()
	e.reports.Close()
}
