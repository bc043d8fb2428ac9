package main

import (
	"fmt"
	"time"

	"devscreen/internal/config"
	"devscreen/internal/execution"
	"devscreen/internal/metrics"
	"devscreen/internal/models"
	"devscreen/internal/offline"
	"devscreen/internal/pipeline"
	"devscreen/internal/resilience"
	"devscreen/internal/rules"
	"devscreen/internal/services"
)

// fieldRuntime is everything a command needs to screen and sync on this device
type fieldRuntime struct {
	cfg       *config.ClientConfig
	store     *offline.Store
	cache     *offline.Cache
	queue     *offline.Queue
	caller    *resilience.Caller
	inference *services.InferenceClient
	hitl      *services.HITLClient
	pipeline  *pipeline.Pipeline
	sync      *offline.SyncService
}

func loadConfig() (*config.ClientConfig, error) {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newHITLClient(cfg *config.ClientConfig) *services.HITLClient {
	return services.NewHITLClient(cfg.CoordinatorURL, cfg.AuthToken)
}

// openRuntime opens the local store and wires the pipeline. The sync service
// is created but not started.
func openRuntime() (*fieldRuntime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := offline.OpenStore(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	m := metrics.NewUnregistered()

	cache := offline.NewCache(store, cfg.CacheTTL)
	cache.SetMetrics(m)
	queue := offline.NewQueue(store)
	queue.SetMetrics(m)

	inference := services.NewInferenceClient(cfg.BackendURL, cfg.AuthToken)
	caller := resilience.NewCaller(inference, rules.NewEngine(),
		resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown), cfg.InferTimeout)
	caller.SetMetrics(m)

	var graph *models.WorkflowGraph
	if cfg.PipelineFile != "" {
		graph, err = execution.LoadGraph(cfg.PipelineFile)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	p, err := pipeline.New(caller, cache, queue, rules.NewEngine(), graph)
	if err != nil {
		store.Close()
		return nil, err
	}

	hitlClient := newHITLClient(cfg)
	p.SetAdmitter(hitlClient)

	syncService, err := offline.NewSyncService(queue, p.Replay, inference, offline.SyncOptions{
		ReplaySchedule: cfg.ReplaySchedule,
		ProbeInterval:  cfg.ProbeInterval,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &fieldRuntime{
		cfg:       cfg,
		store:     store,
		cache:     cache,
		queue:     queue,
		caller:    caller,
		inference: inference,
		hitl:      hitlClient,
		pipeline:  p,
		sync:      syncService,
	}, nil
}

func (r *fieldRuntime) Close() {
	r.sync.Close()
	r.pipeline.Drain(5 * time.Second)
	r.store.Close()
}
