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

package facade

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"

	"github.com/delayshield/delayshield/pkg/metrics"
	"github.com/delayshield/delayshield/pkg/trip"
)

// tripResponse renders a trip with its nullable computed fields as JSON
// nulls until the first recalculation fills them.
func tripResponse(t *trip.Trip) map[string]any {
	return map[string]any{
		"id":                    t.ID,
		"created_at":            t.CreatedAt,
		"updated_at":            t.UpdatedAt,
		"deadline_at":           t.DeadlineAt,
		"waypoints":             t.Waypoints,
		"eta_at":                t.ETAAt,
		"route_distance_m":      t.RouteDistanceMeters,
		"route_duration_s":      t.RouteDurationSeconds,
		"route_geojson":         t.RouteGeoJSON,
		"buffer_minutes":        t.BufferMinutes,
		"delay_risk_pct":        t.DelayRiskPct,
		"status":                t.Status,
		"suggestion":            t.Suggestion,
		"recommended_depart_at": t.RecommendedDepartAt,
		"why":                   t.Why,
		"customer_message":      t.CustomerMessage,
		"policy_mode":           t.PolicyMode,
		"trip_owm_daily_cap":    t.TripOWMDailyCap,
		"trip_route_daily_cap":  t.TripRouteDailyCap,
		"next_calc_at":          t.NextCalcAt,
		"last_calc_at":          t.LastCalcAt,
		"calc_state":            t.CalcState,
	}
}

func eventResponses(events []trip.Update) []map[string]any {
	return lo.Map(events, func(e trip.Update, _ int) map[string]any {
		return map[string]any{
			"id":      e.ID,
			"at":      e.At,
			"kind":    e.Kind,
			"payload": e.Payload,
		}
	})
}

// observe records request counts and latency per route pattern.
func (f *Facade) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		metrics.HTTPRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPRequestSeconds.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}
