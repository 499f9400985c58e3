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
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/delayshield/delayshield/pkg/facade"
	"github.com/delayshield/delayshield/pkg/operator/options"
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

	httpClient := &http.Client{Timeout: opts.HTTPTimeout()}
	previewer := routing.NewProvider(httpClient, secret.NewReader(), opts.ORSBaseURL, opts.OSRMBaseURL, opts.ORSAPIKeyFile)

	api := facade.New(st, broker, previewer, clock.RealClock{}, log)
	server := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	log.Info("apiserver started", zap.String("addr", opts.ListenAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("serving", zap.Error(err))
	}
	log.Info("apiserver stopped")
}
