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

package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/delayshield/delayshield/pkg/budget"
	"github.com/delayshield/delayshield/pkg/controllers/recalc"
	"github.com/delayshield/delayshield/pkg/controllers/scan"
	"github.com/delayshield/delayshield/pkg/operator/options"
	"github.com/delayshield/delayshield/pkg/providers/forecast"
	"github.com/delayshield/delayshield/pkg/providers/routing"
	"github.com/delayshield/delayshield/pkg/queue"
	"github.com/delayshield/delayshield/pkg/store"
	"github.com/delayshield/delayshield/pkg/utils/secret"
)

func main() {
	opts := options.New().MustParse()
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, opts.DatabaseURL, log)
	if err != nil {
		log.Fatal("opening store", zap.Error(err))
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Fatal("migrating", zap.Error(err))
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		log.Fatal("parsing redis url", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	broker := queue.New(rdb, log)

	clk := clock.RealClock{}
	secrets := secret.NewReader()
	httpClient := &http.Client{Timeout: opts.HTTPTimeout()}
	router := routing.NewProvider(httpClient, secrets, opts.ORSBaseURL, opts.OSRMBaseURL, opts.ORSAPIKeyFile)
	forecaster := forecast.NewProvider(httpClient, secrets, opts.OWMBaseURL, opts.OWMAPIKeyFile)
	ledger := budget.NewLedger(st.Pool(), st, opts.BudgetLimits(), clk, log)

	recalculator := recalc.NewController(st, ledger, router, forecaster, clk, log)
	scanner := scan.NewController(st, broker, clk, opts.ScanInterval(), log)
	go scanner.Start(ctx)

	log.Info("worker started",
		zap.Int("concurrency", opts.WorkerConcurrency),
		zap.Duration("scan_interval", opts.ScanInterval()))

	broker.Run(ctx, opts.WorkerConcurrency, func(ctx context.Context, job queue.Job) error {
		switch job.Name {
		case queue.JobScanDueTrips:
			_, err := scanner.Scan(ctx)
			return err
		case queue.JobRecalcTrip:
			id, err := uuid.Parse(job.TripID)
			if err != nil {
				log.Warn("discarding job with bad trip id", zap.String("trip_id", job.TripID))
				return nil
			}
			return recalculator.Recalc(ctx, id)
		default:
			log.Warn("discarding unknown job", zap.String("name", job.Name))
			return nil
		}
	})

	log.Info("worker stopped")
}
