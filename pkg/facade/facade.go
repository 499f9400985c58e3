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

// Package facade exposes the HTTP API: trip creation and inspection, manual
// recalculation, policy updates and route previews.
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/delayshield/delayshield/pkg/budget"
	"github.com/delayshield/delayshield/pkg/providers/routing"
	"github.com/delayshield/delayshield/pkg/queue"
	"github.com/delayshield/delayshield/pkg/store"
	"github.com/delayshield/delayshield/pkg/trip"
)

// eventHistoryLimit bounds the audit trail returned on trip detail.
const eventHistoryLimit = 60

// Store is the slice of the SQL store the façade reads and writes trips
// through.
type Store interface {
	CreateTrip(ctx context.Context, t *trip.Trip) error
	GetTrip(ctx context.Context, id uuid.UUID) (*trip.Trip, error)
	ListTrips(ctx context.Context) ([]*trip.Trip, error)
	EnqueueRecalc(ctx context.Context, id uuid.UUID, now time.Time, by string) error
	ReleaseQueued(ctx context.Context, id uuid.UUID) error
	UpdatePolicy(ctx context.Context, id uuid.UUID, patch store.PolicyPatch) (*trip.Trip, error)
	ListEvents(ctx context.Context, tripID uuid.UUID, limit int) ([]trip.Update, error)
	UsageToday(ctx context.Context, tripID uuid.UUID, day time.Time) (owmCalls, routeCalls int, err error)
}

// Dispatcher places jobs on the broker.
type Dispatcher interface {
	Dispatch(ctx context.Context, job queue.Job) error
}

// RoutePreviewer fetches a route without persisting anything; previews do
// not touch the quota ledger.
type RoutePreviewer interface {
	FetchRoute(ctx context.Context, waypoints []trip.Waypoint) (routing.Route, error)
}

// Facade is the HTTP API server.
type Facade struct {
	store      Store
	dispatcher Dispatcher
	previewer  RoutePreviewer
	clock      clock.Clock
	log        *zap.Logger
}

func New(s Store, dispatcher Dispatcher, previewer RoutePreviewer, clk clock.Clock, log *zap.Logger) *Facade {
	return &Facade{
		store:      s,
		dispatcher: dispatcher,
		previewer:  previewer,
		clock:      clk,
		log:        log,
	}
}

// Routes builds the chi router with all API endpoints mounted.
func (f *Facade) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(f.observe)
	r.Get("/health", f.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Post("/trips", f.createTrip)
		r.Get("/trips", f.listTrips)
		r.Route("/trips/{tripID}", func(r chi.Router) {
			r.Get("/", f.getTrip)
			r.Post("/recalc", f.recalcTrip)
			r.Patch("/policy", f.updatePolicy)
		})
		r.Post("/route/preview", f.previewRoute)
	})
	return r
}

type createTripRequest struct {
	Waypoints         []trip.Waypoint  `json:"waypoints"`
	DeadlineAt        time.Time        `json:"deadline_at"`
	PolicyMode        *trip.PolicyMode `json:"policy_mode"`
	TripOWMDailyCap   *int             `json:"trip_owm_daily_cap"`
	TripRouteDailyCap *int             `json:"trip_route_daily_cap"`
}

func (f *Facade) createTrip(w http.ResponseWriter, r *http.Request) {
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := routing.Validate(req.Waypoints); err != nil {
		f.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	now := f.clock.Now().UTC()
	if !req.DeadlineAt.After(now) {
		f.writeError(w, http.StatusBadRequest, "deadline_at must be in the future")
		return
	}

	t := &trip.Trip{
		ID:                uuid.New(),
		CreatedAt:         now,
		UpdatedAt:         now,
		DeadlineAt:        req.DeadlineAt.UTC(),
		Waypoints:         req.Waypoints,
		PolicyMode:        trip.PolicyBalanced,
		TripOWMDailyCap:   30,
		TripRouteDailyCap: 15,
		NextCalcAt:        &now,
		CalcState:         trip.CalcStateQueued,
	}
	if req.PolicyMode != nil {
		if !req.PolicyMode.Valid() {
			f.writeError(w, http.StatusBadRequest, "policy_mode must be conservative, balanced or aggressive")
			return
		}
		t.PolicyMode = *req.PolicyMode
	}
	if req.TripOWMDailyCap != nil {
		t.TripOWMDailyCap = *req.TripOWMDailyCap
	}
	if req.TripRouteDailyCap != nil {
		t.TripRouteDailyCap = *req.TripRouteDailyCap
	}

	if err := f.store.CreateTrip(r.Context(), t); err != nil {
		f.internalError(w, "creating trip", err)
		return
	}
	if err := f.dispatcher.Dispatch(r.Context(), queue.RecalcJob(t.ID)); err != nil {
		// Queued trips are invisible to the scanner; hand the trip back so
		// its next pass re-dispatches it.
		f.log.Warn("dispatch after create failed", zap.String("trip_id", t.ID.String()), zap.Error(err))
		if rerr := f.store.ReleaseQueued(r.Context(), t.ID); rerr != nil {
			f.log.Error("releasing trip after failed dispatch", zap.String("trip_id", t.ID.String()), zap.Error(rerr))
		} else {
			t.CalcState = trip.CalcStateIdle
		}
	}
	f.writeJSON(w, http.StatusCreated, tripResponse(t))
}

func (f *Facade) listTrips(w http.ResponseWriter, r *http.Request) {
	trips, err := f.store.ListTrips(r.Context())
	if err != nil {
		f.internalError(w, "listing trips", err)
		return
	}
	out := make([]map[string]any, 0, len(trips))
	for _, t := range trips {
		out = append(out, tripResponse(t))
	}
	f.writeJSON(w, http.StatusOK, map[string]any{"trips": out})
}

func (f *Facade) getTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := f.tripID(w, r)
	if !ok {
		return
	}
	t, err := f.store.GetTrip(r.Context(), id)
	if err != nil {
		f.storeError(w, err)
		return
	}
	events, err := f.store.ListEvents(r.Context(), id, eventHistoryLimit)
	if err != nil {
		f.internalError(w, "listing events", err)
		return
	}
	owmCalls, routeCalls, err := f.store.UsageToday(r.Context(), id, budget.UTCDay(f.clock.Now()))
	if err != nil {
		f.internalError(w, "reading usage", err)
		return
	}

	resp := tripResponse(t)
	resp["events"] = eventResponses(events)
	resp["usage_today"] = map[string]int{
		"owm_calls":   owmCalls,
		"owm_cap":     t.TripOWMDailyCap,
		"route_calls": routeCalls,
		"route_cap":   t.TripRouteDailyCap,
	}
	f.writeJSON(w, http.StatusOK, resp)
}

func (f *Facade) recalcTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := f.tripID(w, r)
	if !ok {
		return
	}
	now := f.clock.Now().UTC()
	if err := f.store.EnqueueRecalc(r.Context(), id, now, "user"); err != nil {
		f.storeError(w, err)
		return
	}
	if err := f.dispatcher.Dispatch(r.Context(), queue.RecalcJob(id)); err != nil {
		if rerr := f.store.ReleaseQueued(r.Context(), id); rerr != nil {
			f.log.Error("releasing trip after failed dispatch", zap.String("trip_id", id.String()), zap.Error(rerr))
		}
		f.internalError(w, "dispatching recalc", err)
		return
	}
	f.writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "trip_id": id})
}

type policyRequest struct {
	PolicyMode        *trip.PolicyMode `json:"policy_mode"`
	TripOWMDailyCap   *int             `json:"trip_owm_daily_cap"`
	TripRouteDailyCap *int             `json:"trip_route_daily_cap"`
}

func (f *Facade) updatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := f.tripID(w, r)
	if !ok {
		return
	}
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PolicyMode != nil && !req.PolicyMode.Valid() {
		f.writeError(w, http.StatusBadRequest, "policy_mode must be conservative, balanced or aggressive")
		return
	}
	if (req.TripOWMDailyCap != nil && *req.TripOWMDailyCap < 0) ||
		(req.TripRouteDailyCap != nil && *req.TripRouteDailyCap < 0) {
		f.writeError(w, http.StatusBadRequest, "daily caps may not be negative")
		return
	}

	t, err := f.store.UpdatePolicy(r.Context(), id, store.PolicyPatch{
		PolicyMode:        req.PolicyMode,
		TripOWMDailyCap:   req.TripOWMDailyCap,
		TripRouteDailyCap: req.TripRouteDailyCap,
	})
	if err != nil {
		f.storeError(w, err)
		return
	}
	f.writeJSON(w, http.StatusOK, tripResponse(t))
}

type previewRequest struct {
	Waypoints []trip.Waypoint `json:"waypoints"`
}

func (f *Facade) previewRoute(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := routing.Validate(req.Waypoints); err != nil {
		f.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	route, err := f.previewer.FetchRoute(r.Context(), req.Waypoints)
	if err != nil {
		f.writeError(w, http.StatusBadGateway, "route provider unavailable")
		f.log.Warn("route preview failed", zap.Error(err))
		return
	}
	f.writeJSON(w, http.StatusOK, map[string]any{
		"distance_m": route.DistanceMeters,
		"duration_s": route.DurationSeconds,
		"geometry":   route.Geometry,
		"provider":   route.Provider,
	})
}

func (f *Facade) health(w http.ResponseWriter, _ *http.Request) {
	f.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (f *Facade) tripID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tripID"))
	if err != nil {
		f.writeError(w, http.StatusBadRequest, "invalid trip id")
		return uuid.Nil, false
	}
	return id, true
}

func (f *Facade) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, trip.ErrNotFound) {
		f.writeError(w, http.StatusNotFound, "trip not found")
		return
	}
	f.internalError(w, "store", err)
}

func (f *Facade) internalError(w http.ResponseWriter, op string, err error) {
	f.log.Error(op+" failed", zap.Error(err))
	f.writeError(w, http.StatusInternalServerError, "internal error")
}

func (f *Facade) writeError(w http.ResponseWriter, code int, msg string) {
	f.writeJSON(w, code, map[string]string{"error": msg})
}

func (f *Facade) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		f.log.Warn("encoding response failed", zap.Error(err))
	}
}
