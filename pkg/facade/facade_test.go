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

package facade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/delayshield/delayshield/pkg/facade"
	"github.com/delayshield/delayshield/pkg/fake"
	"github.com/delayshield/delayshield/pkg/providers/routing"
	"github.com/delayshield/delayshield/pkg/queue"
	"github.com/delayshield/delayshield/pkg/trip"
)

var _ = Describe("Facade", func() {
	var (
		now        time.Time
		trips      *fake.TripStore
		dispatcher *fake.Dispatcher
		previewer  *fake.RouteProvider
		handler    http.Handler
	)

	do := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder) map[string]any {
		var out map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
		return out
	}

	BeforeEach(func() {
		now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		trips = fake.NewTripStore()
		dispatcher = &fake.Dispatcher{}
		previewer = &fake.RouteProvider{Route: routing.Route{
			DistanceMeters:  430000,
			DurationSeconds: 3 * 3600,
			Geometry:        json.RawMessage(`{"type":"LineString","coordinates":[]}`),
			Provider:        routing.ProviderOSRM,
		}}
		f := facade.New(trips, dispatcher, previewer, clocktesting.NewFakeClock(now), zap.NewNop())
		handler = f.Routes()
	})

	Describe("creating trips", func() {
		validBody := func() map[string]any {
			return map[string]any{
				"waypoints":   []map[string]float64{{"lat": -23.5505, "lon": -46.6333}, {"lat": -22.9068, "lon": -43.1729}},
				"deadline_at": now.Add(8 * time.Hour).Format(time.RFC3339),
			}
		}

		It("creates a queued trip with default policy and dispatches a job", func() {
			rec := do(http.MethodPost, "/api/trips", validBody())
			Expect(rec.Code).To(Equal(http.StatusCreated))

			resp := decode(rec)
			Expect(resp["calc_state"]).To(Equal("queued"))
			Expect(resp["policy_mode"]).To(Equal("balanced"))
			Expect(resp["trip_owm_daily_cap"]).To(BeEquivalentTo(30))
			Expect(resp["trip_route_daily_cap"]).To(BeEquivalentTo(15))
			Expect(resp["delay_risk_pct"]).To(BeNil())

			Expect(dispatcher.Dispatched()).To(HaveLen(1))
			Expect(dispatcher.Dispatched()[0].Name).To(Equal(queue.JobRecalcTrip))
			Expect(trips.EventsOfKind(trip.EventCreated)).To(HaveLen(1))
		})

		It("honors an explicit policy", func() {
			body := validBody()
			body["policy_mode"] = "aggressive"
			body["trip_owm_daily_cap"] = 50

			rec := do(http.MethodPost, "/api/trips", body)
			Expect(rec.Code).To(Equal(http.StatusCreated))
			resp := decode(rec)
			Expect(resp["policy_mode"]).To(Equal("aggressive"))
			Expect(resp["trip_owm_daily_cap"]).To(BeEquivalentTo(50))
		})

		It("rejects fewer than two waypoints", func() {
			body := validBody()
			body["waypoints"] = []map[string]float64{{"lat": 0, "lon": 0}}
			Expect(do(http.MethodPost, "/api/trips", body).Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects out-of-range coordinates", func() {
			body := validBody()
			body["waypoints"] = []map[string]float64{{"lat": 91, "lon": 0}, {"lat": 0, "lon": 0}}
			Expect(do(http.MethodPost, "/api/trips", body).Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects past deadlines", func() {
			body := validBody()
			body["deadline_at"] = now.Add(-time.Hour).Format(time.RFC3339)
			Expect(do(http.MethodPost, "/api/trips", body).Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects unknown policy modes", func() {
			body := validBody()
			body["policy_mode"] = "turbo"
			Expect(do(http.MethodPost, "/api/trips", body).Code).To(Equal(http.StatusBadRequest))
		})

		It("hands the trip to the scanner when dispatch fails", func() {
			dispatcher.Err = errors.New("broker down")

			rec := do(http.MethodPost, "/api/trips", validBody())
			Expect(rec.Code).To(Equal(http.StatusCreated))
			resp := decode(rec)
			Expect(resp["calc_state"]).To(Equal("idle"))

			id := uuid.MustParse(resp["id"].(string))
			got, err := trips.GetTrip(context.Background(), id)
			Expect(err).NotTo(HaveOccurred())
			// Idle with next_calc_at stamped is picked up by the next scan.
			Expect(got.CalcState).To(Equal(trip.CalcStateIdle))
			Expect(got.NextCalcAt).NotTo(BeNil())
		})
	})

	Describe("trip detail", func() {
		var subject *trip.Trip

		BeforeEach(func() {
			subject = &trip.Trip{
				ID:         uuid.New(),
				CreatedAt:  now,
				DeadlineAt: now.Add(8 * time.Hour),
				Waypoints:  []trip.Waypoint{{Lat: -23.5505, Lon: -46.6333}, {Lat: -22.9068, Lon: -43.1729}},
				PolicyMode: trip.PolicyBalanced,
				CalcState:  trip.CalcStateDone,
			}
			trips.Trips[subject.ID] = subject
			Expect(trips.AppendEvent(nil, subject.ID, trip.EventRecalcDone, map[string]any{"why": "x"})).To(Succeed())
		})

		It("returns the trip with its history and usage", func() {
			rec := do(http.MethodGet, "/api/trips/"+subject.ID.String(), nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			resp := decode(rec)
			Expect(resp["id"]).To(Equal(subject.ID.String()))
			Expect(resp["events"]).To(HaveLen(1))
			Expect(resp["usage_today"]).To(Equal(map[string]any{
				"owm_calls": 0.0, "owm_cap": 0.0,
				"route_calls": 0.0, "route_cap": 0.0,
			}))
		})

		It("404s unknown trips", func() {
			Expect(do(http.MethodGet, "/api/trips/"+uuid.NewString(), nil).Code).To(Equal(http.StatusNotFound))
		})

		It("400s malformed ids", func() {
			Expect(do(http.MethodGet, "/api/trips/not-a-uuid", nil).Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("manual recalculation", func() {
		It("queues the trip and dispatches a job", func() {
			subject := &trip.Trip{ID: uuid.New(), CalcState: trip.CalcStateDone}
			trips.Trips[subject.ID] = subject

			rec := do(http.MethodPost, fmt.Sprintf("/api/trips/%s/recalc", subject.ID), nil)
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			Expect(subject.CalcState).To(Equal(trip.CalcStateQueued))
			Expect(dispatcher.Dispatched()).To(Equal([]queue.Job{
				{Name: queue.JobRecalcTrip, TripID: subject.ID.String()},
			}))
		})

		It("404s unknown trips", func() {
			rec := do(http.MethodPost, fmt.Sprintf("/api/trips/%s/recalc", uuid.New()), nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(dispatcher.Dispatched()).To(BeEmpty())
		})

		It("releases the trip when dispatch fails", func() {
			subject := &trip.Trip{ID: uuid.New(), CalcState: trip.CalcStateDone}
			trips.Trips[subject.ID] = subject
			dispatcher.Err = errors.New("broker down")

			rec := do(http.MethodPost, fmt.Sprintf("/api/trips/%s/recalc", subject.ID), nil)
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(subject.CalcState).To(Equal(trip.CalcStateIdle))
		})
	})

	Describe("policy updates", func() {
		var subject *trip.Trip

		BeforeEach(func() {
			subject = &trip.Trip{ID: uuid.New(), PolicyMode: trip.PolicyBalanced, TripOWMDailyCap: 30, TripRouteDailyCap: 15}
			trips.Trips[subject.ID] = subject
		})

		It("patches only the supplied fields", func() {
			rec := do(http.MethodPatch, fmt.Sprintf("/api/trips/%s/policy", subject.ID),
				map[string]any{"policy_mode": "conservative"})
			Expect(rec.Code).To(Equal(http.StatusOK))

			resp := decode(rec)
			Expect(resp["policy_mode"]).To(Equal("conservative"))
			Expect(resp["trip_owm_daily_cap"]).To(BeEquivalentTo(30))
			Expect(trips.EventsOfKind(trip.EventPolicyUpdated)).To(HaveLen(1))
		})

		It("rejects invalid modes", func() {
			rec := do(http.MethodPatch, fmt.Sprintf("/api/trips/%s/policy", subject.ID),
				map[string]any{"policy_mode": "turbo"})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects negative caps", func() {
			rec := do(http.MethodPatch, fmt.Sprintf("/api/trips/%s/policy", subject.ID),
				map[string]any{"trip_owm_daily_cap": -1})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("route preview", func() {
		It("returns the route without touching the store", func() {
			rec := do(http.MethodPost, "/api/route/preview", map[string]any{
				"waypoints": []map[string]float64{{"lat": -23.5505, "lon": -46.6333}, {"lat": -22.9068, "lon": -43.1729}},
			})
			Expect(rec.Code).To(Equal(http.StatusOK))

			resp := decode(rec)
			Expect(resp["distance_m"]).To(BeEquivalentTo(430000))
			Expect(resp["duration_s"]).To(BeEquivalentTo(3 * 3600))
			Expect(resp["provider"]).To(Equal("osrm"))
			Expect(previewer.Calls()).To(Equal(1))
			Expect(trips.Events).To(BeEmpty())
		})

		It("rejects invalid waypoints before calling the provider", func() {
			rec := do(http.MethodPost, "/api/route/preview", map[string]any{
				"waypoints": []map[string]float64{{"lat": 0, "lon": 0}},
			})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(previewer.Calls()).To(BeZero())
		})
	})

	It("reports health", func() {
		rec := do(http.MethodGet, "/health", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(decode(rec)["ok"]).To(BeTrue())
	})
})
