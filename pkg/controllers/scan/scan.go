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

// Package scan periodically selects trips whose next evaluation is due and
// enqueues recalculation jobs on the broker.
package scan

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/delayshield/delayshield/pkg/metrics"
	"github.com/delayshield/delayshield/pkg/queue"
	"github.com/delayshield/delayshield/pkg/trip"
)

// batchSize bounds the work of a single scan pass.
const batchSize = 50

// TripSource selects and transitions due trips; satisfied by the store.
type TripSource interface {
	DueTrips(ctx context.Context, now time.Time, limit int) ([]*trip.Trip, error)
	MarkQueued(ctx context.Context, id uuid.UUID, next time.Time, by string) (bool, error)
}

// Dispatcher places jobs on the broker.
type Dispatcher interface {
	Dispatch(ctx context.Context, job queue.Job) error
}

// Controller is the scanner. Multiple instances may run concurrently; the
// conditional queued transition in MarkQueued keeps them from dispatching
// the same trip twice.
type Controller struct {
	trips      TripSource
	dispatcher Dispatcher
	clock      clock.WithTicker
	interval   time.Duration
	log        *zap.Logger
}

func NewController(trips TripSource, dispatcher Dispatcher, clk clock.WithTicker, interval time.Duration, log *zap.Logger) *Controller {
	return &Controller{
		trips:      trips,
		dispatcher: dispatcher,
		clock:      clk,
		interval:   interval,
		log:        log,
	}
}

// Start runs scan passes on the configured interval until ctx is done.
func (c *Controller) Start(ctx context.Context) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := c.Scan(ctx); err != nil {
				c.log.Warn("scan pass failed", zap.Error(err))
			}
		}
	}
}

// Scan performs one pass: select up to batchSize due trips, transition each
// to queued with its next_calc_at pushed one interval out as collision
// protection, and dispatch a recalc job per queued trip. It returns the
// number of trips queued.
func (c *Controller) Scan(ctx context.Context) (int, error) {
	now := c.clock.Now().UTC()
	due, err := c.trips.DueTrips(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, t := range due {
		ok, err := c.trips.MarkQueued(ctx, t.ID, now.Add(c.interval), "scheduler")
		if err != nil {
			c.log.Warn("queue transition failed", zap.String("trip_id", t.ID.String()), zap.Error(err))
			continue
		}
		if !ok {
			// Another scanner got there first.
			continue
		}
		if err := c.dispatcher.Dispatch(ctx, queue.RecalcJob(t.ID)); err != nil {
			c.log.Warn("dispatch failed", zap.String("trip_id", t.ID.String()), zap.Error(err))
			continue
		}
		queued++
		metrics.ScanQueuedTotal.Inc()
	}
	if queued > 0 {
		c.log.Info("queued due trips", zap.Int("count", queued))
	}
	return queued, nil
}
