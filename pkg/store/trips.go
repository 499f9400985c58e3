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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/delayshield/delayshield/pkg/trip"
)

const tripColumns = `id, created_at, updated_at, deadline_at, waypoints,
	eta_at, route_distance_m, route_duration_s, route_geojson,
	buffer_minutes, delay_risk_pct, status, suggestion,
	recommended_depart_at, why, customer_message,
	policy_mode, trip_owm_daily_cap, trip_route_daily_cap, next_calc_at,
	last_calc_at, calc_state`

// waypointsDoc is the JSONB envelope trips.waypoints is stored in.
type waypointsDoc struct {
	Points []trip.Waypoint `json:"points"`
}

// Result carries everything a completed recalculation writes back to the
// trip row in a single transaction.
type Result struct {
	ETA                 time.Time
	DistanceMeters      int
	DurationSeconds     int
	Geometry            json.RawMessage
	BufferMinutes       int
	RiskPct             int
	Status              string
	Suggestion          string
	RecommendedDepartAt time.Time
	Why                 string
	CustomerMessage     string
	LastCalcAt          time.Time
	NextCalcAt          time.Time
	State               trip.CalcState
}

// PolicyPatch is a partial update of a trip's recalculation policy.
type PolicyPatch struct {
	PolicyMode        *trip.PolicyMode
	TripOWMDailyCap   *int
	TripRouteDailyCap *int
}

// Empty reports whether the patch changes nothing.
func (p PolicyPatch) Empty() bool {
	return p.PolicyMode == nil && p.TripOWMDailyCap == nil && p.TripRouteDailyCap == nil
}

// CreateTrip inserts a new trip queued for its first recalculation and
// appends the created and recalc_queued events atomically.
func (s *Store) CreateTrip(ctx context.Context, t *trip.Trip) error {
	wps, err := json.Marshal(waypointsDoc{Points: t.Waypoints})
	if err != nil {
		return fmt.Errorf("encoding waypoints: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning create: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO trips (id, deadline_at, waypoints, policy_mode, trip_owm_daily_cap, trip_route_daily_cap, next_calc_at, calc_state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.DeadlineAt, wps, t.PolicyMode, t.TripOWMDailyCap, t.TripRouteDailyCap, t.NextCalcAt, trip.CalcStateQueued); err != nil {
		return fmt.Errorf("inserting trip: %w", err)
	}
	if err := appendEventTx(ctx, tx, t.ID, trip.EventCreated, map[string]any{
		"deadline_at": t.DeadlineAt.UTC().Format(time.RFC3339),
		"waypoints_n": len(t.Waypoints),
		"policy_mode": t.PolicyMode,
	}); err != nil {
		return err
	}
	if err := appendEventTx(ctx, tx, t.ID, trip.EventRecalcQueued, map[string]any{"by": "create"}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetTrip fetches a trip by id, returning trip.ErrNotFound when absent.
func (s *Store) GetTrip(ctx context.Context, id uuid.UUID) (*trip.Trip, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trip.ErrNotFound
	}
	return t, err
}

// ListTrips returns all trips, newest first.
func (s *Store) ListTrips(ctx context.Context) ([]*trip.Trip, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tripColumns+` FROM trips ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing trips: %w", err)
	}
	defer rows.Close()
	return collectTrips(rows)
}

// DueTrips selects trips whose next evaluation is due and that are in a
// schedulable state, oldest due first.
func (s *Store) DueTrips(ctx context.Context, now time.Time, limit int) ([]*trip.Trip, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tripColumns+` FROM trips
		 WHERE next_calc_at IS NOT NULL AND next_calc_at <= $1 AND calc_state = ANY($2)
		 ORDER BY next_calc_at ASC LIMIT $3`,
		now, schedulableStates(), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due trips: %w", err)
	}
	defer rows.Close()
	return collectTrips(rows)
}

func schedulableStates() []string {
	states := make([]string, 0, len(trip.SchedulableStates))
	for _, st := range trip.SchedulableStates {
		states = append(states, string(st))
	}
	return states
}

// MarkQueued transitions a trip to queued for the scanner. The state
// predicate is re-evaluated under the row update, so of two overlapping
// scanners only one wins; the loser gets false and must not dispatch.
// next_calc_at is advanced as collision protection; the recalculator
// overwrites it.
func (s *Store) MarkQueued(ctx context.Context, id uuid.UUID, next time.Time, by string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning queue transition: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE trips SET calc_state = $2, next_calc_at = $3, updated_at = now()
		 WHERE id = $1 AND calc_state = ANY($4)`,
		id, trip.CalcStateQueued, next, schedulableStates())
	if err != nil {
		return false, fmt.Errorf("queueing trip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := appendEventTx(ctx, tx, id, trip.EventRecalcQueued, map[string]any{"by": by}); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// EnqueueRecalc queues a trip for immediate recalculation on behalf of the
// façade, regardless of its current state.
func (s *Store) EnqueueRecalc(ctx context.Context, id uuid.UUID, now time.Time, by string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning enqueue: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE trips SET calc_state = $2, next_calc_at = $3, updated_at = now() WHERE id = $1`,
		id, trip.CalcStateQueued, now)
	if err != nil {
		return fmt.Errorf("enqueueing trip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return trip.ErrNotFound
	}
	if err := appendEventTx(ctx, tx, id, trip.EventRecalcQueued, map[string]any{"by": by}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReleaseQueued returns a queued trip to idle, leaving next_calc_at in
// place so the scanner re-dispatches it. Used when placing the job on the
// broker failed after the queued transition committed; queued trips are
// invisible to the scanner.
func (s *Store) ReleaseQueued(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE trips SET calc_state = $2, updated_at = now() WHERE id = $1 AND calc_state = $3`,
		id, trip.CalcStateIdle, trip.CalcStateQueued); err != nil {
		return fmt.Errorf("releasing queued trip: %w", err)
	}
	return nil
}

// SetRunning transitions a trip to running and records the transition.
func (s *Store) SetRunning(ctx context.Context, id uuid.UUID, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning running transition: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE trips SET calc_state = $2, updated_at = now() WHERE id = $1`,
		id, trip.CalcStateRunning); err != nil {
		return fmt.Errorf("marking trip running: %w", err)
	}
	if err := appendEventTx(ctx, tx, id, trip.EventRecalcRunning, map[string]any{"at": at.UTC().Format(time.RFC3339)}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetError moves a trip to the error state, schedules the next attempt and
// appends a recalc_error event with the failure payload. last is optional:
// validation failures do not stamp last_calc_at.
func (s *Store) SetError(ctx context.Context, id uuid.UUID, payload map[string]any, next time.Time, last *time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning error transition: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE trips SET calc_state = $2, next_calc_at = $3, last_calc_at = COALESCE($4, last_calc_at), updated_at = now()
		 WHERE id = $1`,
		id, trip.CalcStateError, next, last); err != nil {
		return fmt.Errorf("marking trip errored: %w", err)
	}
	if err := appendEventTx(ctx, tx, id, trip.EventRecalcError, payload); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetBudgetLimited moves a trip to budget_limited after a route budget
// denial, stamps the back-off schedule and appends the budget_denied event.
func (s *Store) SetBudgetLimited(ctx context.Context, id uuid.UUID, api trip.APIName, reason string, next, last time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning budget transition: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE trips SET calc_state = $2, next_calc_at = $3, last_calc_at = $4, updated_at = now() WHERE id = $1`,
		id, trip.CalcStateBudgetLimited, next, last); err != nil {
		return fmt.Errorf("marking trip budget limited: %w", err)
	}
	if err := appendEventTx(ctx, tx, id, trip.EventBudgetDenied, map[string]any{"api": api, "reason": reason}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SaveResult persists all computed fields of a finished recalculation and
// the recalc_done event in one transaction. A failure to append the event
// rolls the whole update back.
func (s *Store) SaveResult(ctx context.Context, id uuid.UUID, res Result, donePayload map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning result save: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE trips SET
			eta_at = $2, route_distance_m = $3, route_duration_s = $4, route_geojson = $5,
			buffer_minutes = $6, delay_risk_pct = $7, status = $8, suggestion = $9,
			recommended_depart_at = $10, why = $11, customer_message = $12,
			last_calc_at = $13, next_calc_at = $14, calc_state = $15, updated_at = now()
		 WHERE id = $1`,
		id, res.ETA, res.DistanceMeters, res.DurationSeconds, res.Geometry,
		res.BufferMinutes, res.RiskPct, res.Status, res.Suggestion,
		res.RecommendedDepartAt, res.Why, res.CustomerMessage,
		res.LastCalcAt, res.NextCalcAt, res.State); err != nil {
		return fmt.Errorf("saving result: %w", err)
	}
	if err := appendEventTx(ctx, tx, id, trip.EventRecalcDone, donePayload); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdatePolicy applies a partial policy update and appends a policy_updated
// event carrying the changed fields. The updated trip is returned.
func (s *Store) UpdatePolicy(ctx context.Context, id uuid.UUID, patch PolicyPatch) (*trip.Trip, error) {
	if patch.Empty() {
		return s.GetTrip(ctx, id)
	}
	sets, args := []string{"updated_at = now()"}, []any{id}
	changed := map[string]any{}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
		changed[column] = value
	}
	if patch.PolicyMode != nil {
		add("policy_mode", *patch.PolicyMode)
	}
	if patch.TripOWMDailyCap != nil {
		add("trip_owm_daily_cap", *patch.TripOWMDailyCap)
	}
	if patch.TripRouteDailyCap != nil {
		add("trip_route_daily_cap", *patch.TripRouteDailyCap)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning policy update: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE trips SET %s WHERE id = $1`, joinSets(sets)), args...)
	if err != nil {
		return nil, fmt.Errorf("updating policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, trip.ErrNotFound
	}
	if err := appendEventTx(ctx, tx, id, trip.EventPolicyUpdated, changed); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.GetTrip(ctx, id)
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

// UsageToday returns the per-trip counters for the given UTC day, zero when
// no consumption happened yet.
func (s *Store) UsageToday(ctx context.Context, tripID uuid.UUID, day time.Time) (owmCalls, routeCalls int, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT owm_calls, route_calls FROM trip_api_usage_daily WHERE trip_id = $1 AND day = $2`,
		tripID, day).Scan(&owmCalls, &routeCalls)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("reading usage: %w", err)
	}
	return owmCalls, routeCalls, nil
}

func scanTrip(row pgx.Row) (*trip.Trip, error) {
	var (
		t   trip.Trip
		wps []byte
	)
	if err := row.Scan(
		&t.ID, &t.CreatedAt, &t.UpdatedAt, &t.DeadlineAt, &wps,
		&t.ETAAt, &t.RouteDistanceMeters, &t.RouteDurationSeconds, &t.RouteGeoJSON,
		&t.BufferMinutes, &t.DelayRiskPct, &t.Status, &t.Suggestion,
		&t.RecommendedDepartAt, &t.Why, &t.CustomerMessage,
		&t.PolicyMode, &t.TripOWMDailyCap, &t.TripRouteDailyCap, &t.NextCalcAt,
		&t.LastCalcAt, &t.CalcState,
	); err != nil {
		return nil, err
	}
	var doc waypointsDoc
	if err := json.Unmarshal(wps, &doc); err != nil {
		return nil, fmt.Errorf("decoding waypoints: %w", err)
	}
	t.Waypoints = doc.Points
	return &t, nil
}

func collectTrips(rows pgx.Rows) ([]*trip.Trip, error) {
	var trips []*trip.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}
