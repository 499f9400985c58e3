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

// Package recalc drives a single trip through one recalculation: budget
// consultation, route and forecast fetches, risk classification, and the
// persisted result with its audit trail.
package recalc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/delayshield/delayshield/pkg/metrics"
	"github.com/delayshield/delayshield/pkg/providers/routing"
	"github.com/delayshield/delayshield/pkg/risk"
	"github.com/delayshield/delayshield/pkg/store"
	"github.com/delayshield/delayshield/pkg/trip"
)

// TripStore is the slice of the store the recalculator mutates trips with.
type TripStore interface {
	GetTrip(ctx context.Context, id uuid.UUID) (*trip.Trip, error)
	SetRunning(ctx context.Context, id uuid.UUID, at time.Time) error
	SetError(ctx context.Context, id uuid.UUID, payload map[string]any, next time.Time, last *time.Time) error
	SetBudgetLimited(ctx context.Context, id uuid.UUID, api trip.APIName, reason string, next, last time.Time) error
	SaveResult(ctx context.Context, id uuid.UUID, res store.Result, donePayload map[string]any) error
	AppendEvent(ctx context.Context, tripID uuid.UUID, kind trip.EventKind, payload map[string]any) error
}

// Ledger consults the quota system before an external call.
type Ledger interface {
	Consume(ctx context.Context, t *trip.Trip, api trip.APIName, kind string, amount int) (ok bool, reason string, err error)
}

// RouteProvider fetches driving routes.
type RouteProvider interface {
	FetchRoute(ctx context.Context, waypoints []trip.Waypoint) (routing.Route, error)
}

// ForecastProvider samples destination weather near a target time.
type ForecastProvider interface {
	FetchForecast(ctx context.Context, lat, lon float64, target time.Time) (float64, map[string]any, error)
}

// Controller orchestrates recalculations.
type Controller struct {
	trips      TripStore
	ledger     Ledger
	router     RouteProvider
	forecaster ForecastProvider
	clock      clock.Clock
	log        *zap.Logger
}

func NewController(trips TripStore, ledger Ledger, router RouteProvider, forecaster ForecastProvider, clk clock.Clock, log *zap.Logger) *Controller {
	return &Controller{
		trips:      trips,
		ledger:     ledger,
		router:     router,
		forecaster: forecaster,
		clock:      clk,
		log:        log,
	}
}

// Recalc runs one recalculation of the given trip. Provider failures and
// budget denials are handled here and do not surface as errors; only
// infrastructure failures (store, ledger) do.
func (c *Controller) Recalc(ctx context.Context, tripID uuid.UUID) error {
	now := c.clock.Now().UTC()
	log := c.log.With(zap.String("trip_id", tripID.String()))

	t, err := c.trips.GetTrip(ctx, tripID)
	if err != nil {
		if errors.Is(err, trip.ErrNotFound) {
			metrics.RecalcTotal.WithLabelValues("not_found").Inc()
		}
		return fmt.Errorf("loading trip: %w", err)
	}
	if err := c.trips.SetRunning(ctx, tripID, now); err != nil {
		return fmt.Errorf("marking running: %w", err)
	}

	if err := routing.Validate(t.Waypoints); err != nil {
		metrics.RecalcTotal.WithLabelValues("error").Inc()
		next := now.Add(risk.NextInterval(t.PolicyMode, risk.StatusAtRisk, false))
		return c.trips.SetError(ctx, tripID, map[string]any{"stage": "validate", "error": err.Error()}, next, nil)
	}

	route, done, err := c.resolveRoute(ctx, t, now, log)
	if err != nil || done {
		return err
	}

	eta := now.Add(time.Duration(route.DurationSeconds) * time.Second)

	severity, weather, budgetLimited, err := c.resolveForecast(ctx, t, eta, log)
	if err != nil {
		return err
	}

	a := risk.Assess(t.DeadlineAt, eta, severity)
	depart := risk.RecommendDepart(now, a.Status, a.BufferMinutes)
	message := risk.CustomerMessage(a.Status, eta, t.DeadlineAt, a.Why, a.Suggestion)
	next := now.Add(risk.NextInterval(t.PolicyMode, a.Status, budgetLimited))

	state := trip.CalcStateDone
	if budgetLimited {
		state = trip.CalcStateBudgetLimited
	}

	res := store.Result{
		ETA:                 eta,
		DistanceMeters:      route.DistanceMeters,
		DurationSeconds:     route.DurationSeconds,
		Geometry:            route.Geometry,
		BufferMinutes:       a.BufferMinutes,
		RiskPct:             a.Pct,
		Status:              a.Status,
		Suggestion:          a.Suggestion,
		RecommendedDepartAt: depart,
		Why:                 a.Why,
		CustomerMessage:     message,
		LastCalcAt:          now,
		NextCalcAt:          next,
		State:               state,
	}
	payload := map[string]any{
		"route": map[string]any{
			"distance_m": route.DistanceMeters,
			"duration_s": route.DurationSeconds,
			"geometry":   route.Geometry,
			"provider":   route.Provider,
		},
		"weather":        weather,
		"buffer_minutes": a.BufferMinutes,
		"computed_at":    now.Format(time.RFC3339),
		"why":            a.Why,
	}
	if err := c.trips.SaveResult(ctx, tripID, res, payload); err != nil {
		return fmt.Errorf("saving result: %w", err)
	}

	metrics.RecalcTotal.WithLabelValues(string(state)).Inc()
	log.Info("recalculated trip",
		zap.Int("risk_pct", a.Pct),
		zap.String("status", a.Status),
		zap.Bool("budget_limited", budgetLimited))
	return nil
}

// resolveRoute returns the cached route or fetches a fresh one under the
// route budget. done is true when the recalculation terminated here
// (budget denial or provider failure).
func (c *Controller) resolveRoute(ctx context.Context, t *trip.Trip, now time.Time, log *zap.Logger) (routing.Route, bool, error) {
	if !t.NeedsRoute() {
		cached := routing.Route{
			DurationSeconds: *t.RouteDurationSeconds,
			Geometry:        t.RouteGeoJSON,
			Provider:        routing.ProviderCached,
		}
		if t.RouteDistanceMeters != nil {
			cached.DistanceMeters = *t.RouteDistanceMeters
		}
		return cached, false, nil
	}

	ok, reason, err := c.ledger.Consume(ctx, t, trip.APIRoute, "route_calc", 1)
	if err != nil {
		return routing.Route{}, false, fmt.Errorf("consuming route budget: %w", err)
	}
	if !ok {
		metrics.RecalcTotal.WithLabelValues("budget_limited").Inc()
		log.Info("route budget denied", zap.String("reason", reason))
		next := now.Add(risk.NextInterval(t.PolicyMode, t.PrevStatus(risk.StatusAtRisk), true))
		return routing.Route{}, true, c.trips.SetBudgetLimited(ctx, t.ID, trip.APIRoute, reason, next, now)
	}

	route, err := c.router.FetchRoute(ctx, t.Waypoints)
	if err != nil {
		metrics.RecalcTotal.WithLabelValues("error").Inc()
		log.Warn("route fetch failed", zap.Error(err))
		next := now.Add(risk.NextInterval(t.PolicyMode, t.PrevStatus(risk.StatusAtRisk), false))
		return routing.Route{}, true, c.trips.SetError(ctx, t.ID,
			map[string]any{"stage": "route", "error": err.Error()}, next, &now)
	}
	return route, false, nil
}

// resolveForecast consumes the owm budget and fetches the forecast. Both a
// denial and a provider failure degrade to severity zero; only a denial
// marks the run budget-limited.
func (c *Controller) resolveForecast(ctx context.Context, t *trip.Trip, eta time.Time, log *zap.Logger) (float64, map[string]any, bool, error) {
	ok, reason, err := c.ledger.Consume(ctx, t, trip.APIOWM, "weather_forecast", 1)
	if err != nil {
		return 0, nil, false, fmt.Errorf("consuming owm budget: %w", err)
	}
	if !ok {
		log.Info("owm budget denied", zap.String("reason", reason))
		if err := c.trips.AppendEvent(ctx, t.ID, trip.EventBudgetDenied, map[string]any{"api": trip.APIOWM, "reason": reason}); err != nil {
			return 0, nil, false, err
		}
		return 0, map[string]any{"severity": 0.0, "budget_denied": true, "reason": reason}, true, nil
	}

	dest := t.Destination()
	severity, weather, err := c.forecaster.FetchForecast(ctx, dest.Lat, dest.Lon, eta)
	if err != nil {
		// Risk is still computable without weather.
		log.Warn("forecast fetch failed", zap.Error(err))
		return 0, map[string]any{"severity": 0.0, "error": err.Error()}, false, nil
	}
	return severity, weather, false, nil
}
