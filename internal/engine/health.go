package engine

import "sort"

// ProviderHealth is the observable state of one provider's dispatch unit.
type ProviderHealth struct {
	Provider    string      `json:"provider"`
	QueueLen    int         `json:"queue_len"`
	QueueDepth  int         `json:"queue_depth"`
	BusyWorkers int         `json:"busy_workers"`
	Concurrency int         `json:"concurrency"`
	Keys        []KeyHealth `json:"keys"`
}

// HealthSnapshot is served by GET /health.
type HealthSnapshot struct {
	Status    string           `json:"status"`
	Providers []ProviderHealth `json:"providers"`
	Pools     PoolStats        `json:"pools"`
}

// Health returns a point-in-time snapshot of queue occupancy, worker
// saturation and key health, sorted by provider name.
func (e *Engine) Health() HealthSnapshot {
	snap := HealthSnapshot{
		Status:    "ok",
		Providers: make([]ProviderHealth, 0, len(e.pools)),
		Pools:     e.objPools.Stats(),
	}
	for name, pool := range e.pools {
		snap.Providers = append(snap.Providers, ProviderHealth{
			Provider:    name,
			QueueLen:    pool.QueueLen(),
			QueueDepth:  pool.cfg.QueueDepth,
			BusyWorkers: pool.BusyWorkers(),
			Concurrency: pool.cfg.Concurrency,
			Keys:        e.selectors[name].Snapshot(),
		})
	}
	sort.Slice(snap.Providers, func(i, j int) bool {
		return snap.Providers[i].Provider < snap.Providers[j].Provider
	})
	return snap
}
