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

// Package budget enforces the three-tier quota system over the external
// APIs: a global per-day cap, a global per-minute cap and a per-trip
// per-day cap. Counter rows are the only contended mutable state in the
// system; row-level locks in a fixed acquisition order provide the
// serializability the caps need.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/delayshield/delayshield/pkg/metrics"
	"github.com/delayshield/delayshield/pkg/trip"
)

// Cap labels for denial metrics and reasons.
const (
	capGlobalDaily = "global_daily"
	capPerMinute   = "per_minute"
	capTripDaily   = "trip_daily"
)

// Limits are the configured global caps per API.
type Limits struct {
	OWMDaily       int
	RouteDaily     int
	OWMPerMinute   int
	RoutePerMinute int
}

func (l Limits) daily(api trip.APIName) int {
	if api == trip.APIOWM {
		return l.OWMDaily
	}
	return l.RouteDaily
}

func (l Limits) perMinute(api trip.APIName) int {
	if api == trip.APIOWM {
		return l.OWMPerMinute
	}
	return l.RoutePerMinute
}

func tripCap(t *trip.Trip, api trip.APIName) int {
	if api == trip.APIOWM {
		return t.TripOWMDailyCap
	}
	return t.TripRouteDailyCap
}

// Usage is a snapshot of the three counters a consume decision is evaluated
// against.
type Usage struct {
	GlobalDay    int
	GlobalMinute int
	TripDay      int
}

// Check evaluates the caps in their fixed order (global-day, global-minute,
// per-trip-day) against a counter snapshot. On denial it returns the denied
// cap label and the reason recorded in the audit trail.
func (l Limits) Check(t *trip.Trip, api trip.APIName, u Usage, bucket time.Time, amount int) (ok bool, cap, reason string) {
	if u.GlobalDay+amount > l.daily(api) {
		return false, capGlobalDaily, fmt.Sprintf("global_daily_limit %s %d/%d", api, u.GlobalDay, l.daily(api))
	}
	if u.GlobalMinute+amount > l.perMinute(api) {
		return false, capPerMinute, fmt.Sprintf("per_min_limit %s %d/%d bucket=%s", api, u.GlobalMinute, l.perMinute(api), bucket.Format(time.RFC3339))
	}
	if u.TripDay+amount > tripCap(t, api) {
		return false, capTripDaily, fmt.Sprintf("trip_daily_cap %s %d/%d", api, u.TripDay, tripCap(t, api))
	}
	return true, "", ""
}

// EventAppender appends audit events; satisfied by the store.
type EventAppender interface {
	AppendEvent(ctx context.Context, tripID uuid.UUID, kind trip.EventKind, payload map[string]any) error
}

// Ledger persists and atomically advances the quota counters.
type Ledger struct {
	pool   *pgxpool.Pool
	events EventAppender
	limits Limits
	clock  clock.Clock
	log    *zap.Logger
}

func NewLedger(pool *pgxpool.Pool, events EventAppender, limits Limits, clk clock.Clock, log *zap.Logger) *Ledger {
	return &Ledger{pool: pool, events: events, limits: limits, clock: clk, log: log}
}

// MinuteBucket truncates t to the start of its UTC wall-clock minute.
func MinuteBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// UTCDay truncates t to its UTC calendar day.
func UTCDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Consume checks and advances the three counters for one call against api.
// It returns (false, reason, nil) when any cap would be exceeded, leaving
// every counter untouched. On approval all three counters advance together
// or not at all.
func (l *Ledger) Consume(ctx context.Context, t *trip.Trip, api trip.APIName, kind string, amount int) (bool, string, error) {
	now := l.clock.Now().UTC()
	day := UTCDay(now)
	bucket := MinuteBucket(now)

	if err := l.ensureRows(ctx, t.ID, api, day, bucket); err != nil {
		return false, "", err
	}

	ok, reason, err := l.tryConsume(ctx, t, api, day, bucket, amount)
	if err != nil || !ok {
		return ok, reason, err
	}

	metrics.BudgetConsumeTotal.WithLabelValues(string(api)).Inc()
	if err := l.events.AppendEvent(ctx, t.ID, trip.EventBudgetConsume, map[string]any{
		"api": api, "kind": kind, "amount": amount,
	}); err != nil {
		return false, "", err
	}
	return true, "ok", nil
}

// ensureRows creates the three counter rows at zero if absent, committed
// before the locking transaction opens.
func (l *Ledger) ensureRows(ctx context.Context, tripID uuid.UUID, api trip.APIName, day, bucket time.Time) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning ensure: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO api_usage_daily (api_name, day, calls) VALUES ($1, $2, 0) ON CONFLICT DO NOTHING`,
		api, day); err != nil {
		return fmt.Errorf("ensuring daily row: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO api_usage_minute (api_name, minute_bucket, calls) VALUES ($1, $2, 0) ON CONFLICT DO NOTHING`,
		api, bucket); err != nil {
		return fmt.Errorf("ensuring minute row: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO trip_api_usage_daily (trip_id, day, owm_calls, route_calls) VALUES ($1, $2, 0, 0) ON CONFLICT DO NOTHING`,
		tripID, day); err != nil {
		return fmt.Errorf("ensuring trip row: %w", err)
	}
	return tx.Commit(ctx)
}

// tryConsume re-reads the three rows under row locks, checks the caps and
// advances the counters. Lock acquisition order is fixed (global-day,
// global-minute, per-trip-day) to avoid deadlocks between concurrent
// consumers.
func (l *Ledger) tryConsume(ctx context.Context, t *trip.Trip, api trip.APIName, day, bucket time.Time, amount int) (bool, string, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, "", fmt.Errorf("beginning consume: %w", err)
	}
	// A denial rolls back; counters stay untouched.
	defer tx.Rollback(ctx)

	var globalDay int
	if err := tx.QueryRow(ctx,
		`SELECT calls FROM api_usage_daily WHERE api_name = $1 AND day = $2 FOR UPDATE`,
		api, day).Scan(&globalDay); err != nil {
		return false, "", fmt.Errorf("locking daily row: %w", err)
	}
	var globalMinute int
	if err := tx.QueryRow(ctx,
		`SELECT calls FROM api_usage_minute WHERE api_name = $1 AND minute_bucket = $2 FOR UPDATE`,
		api, bucket).Scan(&globalMinute); err != nil {
		return false, "", fmt.Errorf("locking minute row: %w", err)
	}
	var owmCalls, routeCalls int
	if err := tx.QueryRow(ctx,
		`SELECT owm_calls, route_calls FROM trip_api_usage_daily WHERE trip_id = $1 AND day = $2 FOR UPDATE`,
		t.ID, day).Scan(&owmCalls, &routeCalls); err != nil {
		return false, "", fmt.Errorf("locking trip row: %w", err)
	}
	tripCalls := routeCalls
	if api == trip.APIOWM {
		tripCalls = owmCalls
	}

	usage := Usage{GlobalDay: globalDay, GlobalMinute: globalMinute, TripDay: tripCalls}
	if ok, cap, reason := l.limits.Check(t, api, usage, bucket, amount); !ok {
		l.deny(api, cap)
		return false, reason, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE api_usage_daily SET calls = calls + $3 WHERE api_name = $1 AND day = $2`,
		api, day, amount); err != nil {
		return false, "", fmt.Errorf("advancing daily counter: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE api_usage_minute SET calls = calls + $3 WHERE api_name = $1 AND minute_bucket = $2`,
		api, bucket, amount); err != nil {
		return false, "", fmt.Errorf("advancing minute counter: %w", err)
	}
	column := "route_calls"
	if api == trip.APIOWM {
		column = "owm_calls"
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE trip_api_usage_daily SET %s = %s + $3 WHERE trip_id = $1 AND day = $2`, column, column),
		t.ID, day, amount); err != nil {
		return false, "", fmt.Errorf("advancing trip counter: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, "", fmt.Errorf("committing consume: %w", err)
	}
	return true, "", nil
}

func (l *Ledger) deny(api trip.APIName, cap string) {
	metrics.BudgetDeniedTotal.WithLabelValues(string(api), cap).Inc()
	l.log.Debug("budget denied", zap.String("api", string(api)), zap.String("cap", cap))
}
