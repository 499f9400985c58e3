/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue is the broker boundary: named jobs on a durable Redis list
// with at-least-once delivery. Duplicate delivery is tolerated downstream
// by the trip state machine and the ledger's row locks.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Job names, stable across the worker and the façade.
const (
	JobScanDueTrips = "worker.tasks.scan_due_trips"
	JobRecalcTrip   = "worker.tasks.recalc_trip"
)

const queueKey = "delayshield:jobs"

// Job is a dispatchable unit of background work.
type Job struct {
	Name   string `json:"name"`
	TripID string `json:"trip_id,omitempty"`
}

// ScanJob returns a scan_due_trips job.
func ScanJob() Job {
	return Job{Name: JobScanDueTrips}
}

// RecalcJob returns a recalc_trip job for the given trip.
func RecalcJob(id uuid.UUID) Job {
	return Job{Name: JobRecalcTrip, TripID: id.String()}
}

// HandlerFunc processes one delivered job.
type HandlerFunc func(ctx context.Context, job Job) error

// Queue produces and consumes jobs on a single Redis list.
type Queue struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

func New(rdb redis.UniversalClient, log *zap.Logger) *Queue {
	return &Queue{rdb: rdb, log: log}
}

// Dispatch enqueues a job.
func (q *Queue) Dispatch(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := q.rdb.LPush(ctx, queueKey, payload).Err(); err != nil {
		return fmt.Errorf("dispatching %s: %w", job.Name, err)
	}
	return nil
}

// Run consumes jobs with the given number of workers until ctx is done.
// Handler errors are logged, not requeued; periodic work is rescheduled by
// the scanner anyway.
func (q *Queue) Run(ctx context.Context, concurrency int, handle HandlerFunc) {
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.consume(ctx, worker, handle)
		}(i)
	}
	wg.Wait()
}

func (q *Queue) consume(ctx context.Context, worker int, handle HandlerFunc) {
	log := q.log.With(zap.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		// The pop timeout bounds how long shutdown waits on an idle worker.
		res, err := q.rdb.BRPop(ctx, time.Second, queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn("popping job failed", zap.Error(err))
			continue
		}
		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			log.Warn("discarding undecodable job", zap.Error(err))
			continue
		}
		if err := handle(ctx, job); err != nil {
			log.Warn("job failed", zap.String("job", job.Name), zap.String("trip_id", job.TripID), zap.Error(err))
		}
	}
}
