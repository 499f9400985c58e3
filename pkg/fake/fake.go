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

// Package fake provides in-memory test doubles for the store, the budget
// ledger, the providers and the broker.
package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/delayshield/delayshield/pkg/providers/routing"
	"github.com/delayshield/delayshield/pkg/queue"
	"github.com/delayshield/delayshield/pkg/store"
	"github.com/delayshield/delayshield/pkg/trip"
)

// Event is an audit event recorded by the fake store.
type Event struct {
	TripID  uuid.UUID
	Kind    trip.EventKind
	Payload map[string]any
}

// TripStore is an in-memory stand-in for the SQL store.
type TripStore struct {
	mu     sync.Mutex
	Trips  map[uuid.UUID]*trip.Trip
	Events []Event

	GetTripErr    error
	SetRunningErr error
	SaveResultErr error
}

func NewTripStore(trips ...*trip.Trip) *TripStore {
	s := &TripStore{Trips: map[uuid.UUID]*trip.Trip{}}
	for _, t := range trips {
		s.Trips[t.ID] = t
	}
	return s
}

// EventsOfKind returns the recorded events of the given kind, in append
// order.
func (s *TripStore) EventsOfKind(kind trip.EventKind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Filter(s.Events, func(e Event, _ int) bool { return e.Kind == kind })
}

func (s *TripStore) appendEvent(tripID uuid.UUID, kind trip.EventKind, payload map[string]any) {
	s.Events = append(s.Events, Event{TripID: tripID, Kind: kind, Payload: payload})
}

func (s *TripStore) GetTrip(_ context.Context, id uuid.UUID) (*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetTripErr != nil {
		return nil, s.GetTripErr
	}
	t, ok := s.Trips[id]
	if !ok {
		return nil, trip.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *TripStore) CreateTrip(_ context.Context, t *trip.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.CalcState = trip.CalcStateQueued
	s.Trips[t.ID] = t
	s.appendEvent(t.ID, trip.EventCreated, map[string]any{"waypoints_n": len(t.Waypoints)})
	s.appendEvent(t.ID, trip.EventRecalcQueued, map[string]any{"by": "create"})
	return nil
}

func (s *TripStore) ListTrips(_ context.Context) ([]*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trips := lo.Values(s.Trips)
	sort.Slice(trips, func(i, j int) bool { return trips[i].CreatedAt.After(trips[j].CreatedAt) })
	return trips, nil
}

func (s *TripStore) DueTrips(_ context.Context, now time.Time, limit int) ([]*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := lo.Filter(lo.Values(s.Trips), func(t *trip.Trip, _ int) bool {
		return t.NextCalcAt != nil && !t.NextCalcAt.After(now) && lo.Contains(trip.SchedulableStates, t.CalcState)
	})
	sort.Slice(due, func(i, j int) bool { return due[i].NextCalcAt.Before(*due[j].NextCalcAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *TripStore) MarkQueued(_ context.Context, id uuid.UUID, next time.Time, by string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Trips[id]
	if !ok || !lo.Contains(trip.SchedulableStates, t.CalcState) {
		return false, nil
	}
	t.CalcState = trip.CalcStateQueued
	t.NextCalcAt = &next
	s.appendEvent(id, trip.EventRecalcQueued, map[string]any{"by": by})
	return true, nil
}

func (s *TripStore) EnqueueRecalc(_ context.Context, id uuid.UUID, now time.Time, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Trips[id]
	if !ok {
		return trip.ErrNotFound
	}
	t.CalcState = trip.CalcStateQueued
	t.NextCalcAt = &now
	s.appendEvent(id, trip.EventRecalcQueued, map[string]any{"by": by})
	return nil
}

func (s *TripStore) ReleaseQueued(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.Trips[id]; ok && t.CalcState == trip.CalcStateQueued {
		t.CalcState = trip.CalcStateIdle
	}
	return nil
}

func (s *TripStore) SetRunning(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetRunningErr != nil {
		return s.SetRunningErr
	}
	if t, ok := s.Trips[id]; ok {
		t.CalcState = trip.CalcStateRunning
	}
	s.appendEvent(id, trip.EventRecalcRunning, map[string]any{"at": at.UTC().Format(time.RFC3339)})
	return nil
}

func (s *TripStore) SetError(_ context.Context, id uuid.UUID, payload map[string]any, next time.Time, last *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.Trips[id]; ok {
		t.CalcState = trip.CalcStateError
		t.NextCalcAt = &next
		if last != nil {
			t.LastCalcAt = last
		}
	}
	s.appendEvent(id, trip.EventRecalcError, payload)
	return nil
}

func (s *TripStore) SetBudgetLimited(_ context.Context, id uuid.UUID, api trip.APIName, reason string, next, last time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.Trips[id]; ok {
		t.CalcState = trip.CalcStateBudgetLimited
		t.NextCalcAt = &next
		t.LastCalcAt = &last
	}
	s.appendEvent(id, trip.EventBudgetDenied, map[string]any{"api": api, "reason": reason})
	return nil
}

func (s *TripStore) SaveResult(_ context.Context, id uuid.UUID, res store.Result, donePayload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveResultErr != nil {
		return s.SaveResultErr
	}
	if t, ok := s.Trips[id]; ok {
		t.ETAAt = &res.ETA
		t.RouteDistanceMeters = &res.DistanceMeters
		t.RouteDurationSeconds = &res.DurationSeconds
		t.RouteGeoJSON = res.Geometry
		t.BufferMinutes = &res.BufferMinutes
		t.DelayRiskPct = &res.RiskPct
		t.Status = &res.Status
		t.Suggestion = &res.Suggestion
		t.RecommendedDepartAt = &res.RecommendedDepartAt
		t.Why = &res.Why
		t.CustomerMessage = &res.CustomerMessage
		t.LastCalcAt = &res.LastCalcAt
		t.NextCalcAt = &res.NextCalcAt
		t.CalcState = res.State
	}
	s.appendEvent(id, trip.EventRecalcDone, donePayload)
	return nil
}

func (s *TripStore) AppendEvent(_ context.Context, tripID uuid.UUID, kind trip.EventKind, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEvent(tripID, kind, payload)
	return nil
}

func (s *TripStore) UpdatePolicy(_ context.Context, id uuid.UUID, patch store.PolicyPatch) (*trip.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Trips[id]
	if !ok {
		return nil, trip.ErrNotFound
	}
	changed := map[string]any{}
	if patch.PolicyMode != nil {
		t.PolicyMode = *patch.PolicyMode
		changed["policy_mode"] = *patch.PolicyMode
	}
	if patch.TripOWMDailyCap != nil {
		t.TripOWMDailyCap = *patch.TripOWMDailyCap
		changed["trip_owm_daily_cap"] = *patch.TripOWMDailyCap
	}
	if patch.TripRouteDailyCap != nil {
		t.TripRouteDailyCap = *patch.TripRouteDailyCap
		changed["trip_route_daily_cap"] = *patch.TripRouteDailyCap
	}
	if len(changed) > 0 {
		s.appendEvent(id, trip.EventPolicyUpdated, changed)
	}
	copied := *t
	return &copied, nil
}

func (s *TripStore) ListEvents(_ context.Context, tripID uuid.UUID, limit int) ([]trip.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updates []trip.Update
	for i := len(s.Events) - 1; i >= 0 && len(updates) < limit; i-- {
		e := s.Events[i]
		if e.TripID != tripID {
			continue
		}
		updates = append(updates, trip.Update{ID: int64(i + 1), TripID: e.TripID, Kind: e.Kind, Payload: e.Payload})
	}
	return updates, nil
}

func (s *TripStore) UsageToday(_ context.Context, _ uuid.UUID, _ time.Time) (int, int, error) {
	return 0, 0, nil
}

// Consumption records an approved budget consume.
type Consumption struct {
	TripID uuid.UUID
	API    trip.APIName
	Kind   string
	Amount int
}

// Ledger is an in-memory quota ledger. APIs present in Deny are refused
// with the mapped reason.
type Ledger struct {
	mu       sync.Mutex
	Deny     map[trip.APIName]string
	Err      error
	Consumed []Consumption
}

func NewLedger() *Ledger {
	return &Ledger{Deny: map[trip.APIName]string{}}
}

func (l *Ledger) Consume(_ context.Context, t *trip.Trip, api trip.APIName, kind string, amount int) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return false, "", l.Err
	}
	if reason, denied := l.Deny[api]; denied {
		return false, reason, nil
	}
	l.Consumed = append(l.Consumed, Consumption{TripID: t.ID, API: api, Kind: kind, Amount: amount})
	return true, "ok", nil
}

// ConsumedFor returns the consumptions recorded against api.
func (l *Ledger) ConsumedFor(api trip.APIName) []Consumption {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lo.Filter(l.Consumed, func(c Consumption, _ int) bool { return c.API == api })
}

// RouteProvider returns a fixed route or error.
type RouteProvider struct {
	mu    sync.Mutex
	Route routing.Route
	Err   error
	calls int
}

func (p *RouteProvider) FetchRoute(_ context.Context, _ []trip.Waypoint) (routing.Route, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.Err != nil {
		return routing.Route{}, p.Err
	}
	return p.Route, nil
}

func (p *RouteProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// ForecastProvider returns a fixed severity and record or error.
type ForecastProvider struct {
	mu       sync.Mutex
	Severity float64
	Record   map[string]any
	Err      error
	calls    int
}

func (p *ForecastProvider) FetchForecast(_ context.Context, _, _ float64, _ time.Time) (float64, map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.Err != nil {
		return 0, nil, p.Err
	}
	return p.Severity, p.Record, nil
}

func (p *ForecastProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Dispatcher records dispatched jobs.
type Dispatcher struct {
	mu   sync.Mutex
	Err  error
	Jobs []queue.Job
}

func (d *Dispatcher) Dispatch(_ context.Context, job queue.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.Jobs = append(d.Jobs, job)
	return nil
}

// Dispatched returns the jobs dispatched so far.
func (d *Dispatcher) Dispatched() []queue.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]queue.Job(nil), d.Jobs...)
}
