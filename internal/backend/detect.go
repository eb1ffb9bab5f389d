package backend

import (
	"context"
	"sync"
	"time"
)

// Info describes a configured backend and its probe status.
type Info struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Detect pings every backend concurrently and reports which ones answer.
// The result keeps the order of backends.
func Detect(ctx context.Context, backends []Backend, timeout time.Duration) []Info {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	out := make([]Info, len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			out[i] = probe(ctx, b, timeout)
		}(i, b)
	}
	wg.Wait()
	return out
}

func probe(ctx context.Context, b Backend, timeout time.Duration) Info {
	info := Info{Name: b.Name()}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := b.Ping(pctx)
	info.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		info.Reason = err.Error()
		return info
	}
	info.Available = true
	return info
}
