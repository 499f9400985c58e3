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

// Package trip holds the persistent domain model shared by the worker and
// the API façade: trips, their calculation lifecycle, audit event kinds and
// the quota-bearing API names.
package trip

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when a trip does not exist.
var ErrNotFound = errors.New("trip not found")

// CalcState is the recalculation lifecycle state of a trip. Transitions move
// along idle|done|budget_limited|error -> queued -> running -> terminal.
type CalcState string

const (
	CalcStateIdle          CalcState = "idle"
	CalcStateQueued        CalcState = "queued"
	CalcStateRunning       CalcState = "running"
	CalcStateDone          CalcState = "done"
	CalcStateBudgetLimited CalcState = "budget_limited"
	CalcStateError         CalcState = "error"
)

// SchedulableStates are the states the scanner may pick a trip up from.
// Trips that are queued or running are never re-queued.
var SchedulableStates = []CalcState{CalcStateIdle, CalcStateDone, CalcStateBudgetLimited, CalcStateError}

// PolicyMode controls the recalculation cadence of a trip.
type PolicyMode string

const (
	PolicyConservative PolicyMode = "conservative"
	PolicyBalanced     PolicyMode = "balanced"
	PolicyAggressive   PolicyMode = "aggressive"
)

// Valid reports whether m is one of the three allowed policy modes.
func (m PolicyMode) Valid() bool {
	return m == PolicyConservative || m == PolicyBalanced || m == PolicyAggressive
}

// APIName identifies one of the two quota-bearing external APIs.
type APIName string

const (
	APIOWM   APIName = "owm"
	APIRoute APIName = "route"
)

// EventKind classifies an audit event appended to a trip's history.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventRecalcQueued  EventKind = "recalc_queued"
	EventRecalcRunning EventKind = "recalc_running"
	EventRecalcDone    EventKind = "recalc_done"
	EventRecalcError   EventKind = "recalc_error"
	EventBudgetConsume EventKind = "budget_consume"
	EventBudgetDenied  EventKind = "budget_denied"
	EventPolicyUpdated EventKind = "policy_updated"
)

// Waypoint is a single stop on the trip. The last waypoint is the
// destination whose weather is sampled.
type Waypoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Trip is a multi-waypoint road trip under a hard deadline. Computed fields
// are nil until the first successful recalculation populates them.
type Trip struct {
	ID         uuid.UUID
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeadlineAt time.Time
	Waypoints  []Waypoint

	ETAAt                *time.Time
	RouteDistanceMeters  *int
	RouteDurationSeconds *int
	RouteGeoJSON         json.RawMessage

	BufferMinutes *int
	DelayRiskPct  *int
	Status        *string
	Suggestion    *string

	RecommendedDepartAt *time.Time
	Why                 *string
	CustomerMessage     *string

	PolicyMode        PolicyMode
	TripOWMDailyCap   int
	TripRouteDailyCap int
	NextCalcAt        *time.Time

	LastCalcAt *time.Time
	CalcState  CalcState
}

// NeedsRoute reports whether the trip still needs a route fetched. Routes
// are cached across recalculations and never refreshed once computed.
func (t *Trip) NeedsRoute() bool {
	return t.RouteDurationSeconds == nil || len(t.RouteGeoJSON) == 0
}

// Destination returns the last waypoint. Callers must have validated that
// the trip carries at least two waypoints.
func (t *Trip) Destination() Waypoint {
	return t.Waypoints[len(t.Waypoints)-1]
}

// PrevStatus returns the trip's last computed status glyph, or the given
// fallback when no recalculation has completed yet.
func (t *Trip) PrevStatus(fallback string) string {
	if t.Status != nil && *t.Status != "" {
		return *t.Status
	}
	return fallback
}

// Update is a single append-only audit event in a trip's history.
type Update struct {
	ID      int64
	TripID  uuid.UUID
	At      time.Time
	Kind    EventKind
	Payload map[string]any
}
