// Copyright 2022 The httppush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package push

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/alwitt/httppush/common"
	"github.com/alwitt/httppush/handlers"
	"github.com/apex/log"
)

// workerTaskBuffer size of each worker's event loop task queue
const workerTaskBuffer = 256

// PoolParams operating parameters of a worker pool
type PoolParams struct {
	// WorkerCount number of workers
	WorkerCount int
	// Worker the parameters shared by every worker. Name is set per worker.
	Worker WorkerParams
}

// PoolParamsFromConfig convert push server config into pool parameters
func PoolParamsFromConfig(cfg common.PushConfig) PoolParams {
	return PoolParams{
		WorkerCount: cfg.WorkerCount,
		Worker: WorkerParams{
			MaxConnectionsPerAddress: cfg.MaxConnectionsPerAddress,
			HeartbeatInterval:        time.Second * time.Duration(cfg.HeartbeatInterval),
			ConnectionTimeout:        time.Second * time.Duration(cfg.ConnectionTimeout),
			CheckInterval:            time.Second * time.Duration(cfg.CheckInterval),
			NotifyHandler:            cfg.NotifyHandler,
			TaskBuffer:               workerTaskBuffer,
		},
	}
}

// Pool a fixed set of workers. Every client address is served by exactly one worker.
type Pool struct {
	common.Component
	workers   []Worker
	startedAt time.Time
	clock     func() time.Time
}

// NewPool define a new worker pool
func NewPool(
	parentCtxt context.Context,
	params PoolParams,
	registry *handlers.Registry,
	metrics *Metrics,
	wg *sync.WaitGroup,
) (*Pool, error) {
	if params.WorkerCount < 1 {
		return nil, fmt.Errorf("invalid worker count %d", params.WorkerCount)
	}
	clock := params.Worker.Clock
	if clock == nil {
		clock = time.Now
	}
	workers := make([]Worker, 0, params.WorkerCount)
	for itr := 0; itr < params.WorkerCount; itr++ {
		workerParams := params.Worker
		workerParams.Name = fmt.Sprintf("worker-%d", itr)
		workerParams.Clock = clock
		worker, err := NewWorker(parentCtxt, workerParams, registry, metrics, wg)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	return &Pool{
		Component: common.Component{
			LogTags: log.Fields{"module": "push", "component": "pool"},
		},
		workers:   workers,
		startedAt: clock(),
		clock:     clock,
	}, nil
}

// Start start every worker
func (p *Pool) Start() error {
	for _, worker := range p.workers {
		if err := worker.Start(); err != nil {
			return err
		}
	}
	log.WithFields(p.LogTags).Infof("Started %d workers", len(p.workers))
	return nil
}

// Stop stop every worker
func (p *Pool) Stop() error {
	var firstErr error
	for _, worker := range p.workers {
		if err := worker.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// workerFor the worker serving a client address
func (p *Pool) workerFor(clientAddr string) Worker {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(clientAddr))
	return p.workers[int(hasher.Sum32()%uint32(len(p.workers)))]
}

// Admit admit a new stream on the worker serving its client address
func (p *Pool) Admit(ctxt context.Context, conn *Connection) error {
	return p.workerFor(conn.ClientAddr).Admit(ctxt, conn)
}

// Release close a stream whose client went away
func (p *Pool) Release(ctxt context.Context, conn *Connection) error {
	return p.workerFor(conn.ClientAddr).Release(ctxt, conn.ID)
}

// ClientEvent process a client initiated event on the worker serving the client address
func (p *Pool) ClientEvent(ctxt context.Context, event ClientEvent) (ClientEventResult, error) {
	return p.workerFor(event.ClientAddr).ClientEvent(ctxt, event)
}

// Notify push an update to the notify handler streams on "/{route}" of every worker.
// Returns the number of streams matched.
func (p *Pool) Notify(ctxt context.Context, route string, notifyType string) (int, error) {
	total := 0
	for _, worker := range p.workers {
		count, err := worker.Notify(ctxt, route, notifyType)
		if err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf("Notify on %s failed", route)
			return total, err
		}
		total += count
	}
	return total, nil
}

// Stats stream counts summed over every worker
func (p *Pool) Stats(ctxt context.Context) (Stats, error) {
	result := Stats{
		Handlers:      map[string]int{},
		Subscriptions: map[string]int{},
		Uptime:        int64(p.clock().Sub(p.startedAt).Seconds()),
	}
	for _, worker := range p.workers {
		stats, err := worker.Stats(ctxt)
		if err != nil {
			return Stats{}, err
		}
		result.TotalConnections += stats.TotalConnections
		for name, count := range stats.Handlers {
			result.Handlers[name] += count
		}
		for key, count := range stats.Subscriptions {
			result.Subscriptions[key] += count
		}
	}
	return result, nil
}

// Shutdown shut down every worker. Every open stream receives the shutdown event.
func (p *Pool) Shutdown(ctxt context.Context, reason string) error {
	var firstErr error
	for _, worker := range p.workers {
		if err := worker.Shutdown(ctxt, reason); err != nil {
			log.WithError(err).WithFields(p.LogTags).Error("Worker shutdown failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
