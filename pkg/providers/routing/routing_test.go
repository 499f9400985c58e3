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

package routing_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/delayshield/delayshield/pkg/providers/routing"
	"github.com/delayshield/delayshield/pkg/trip"
	"github.com/delayshield/delayshield/pkg/utils/secret"
)

var waypoints = []trip.Waypoint{
	{Lat: -23.5505, Lon: -46.6333},
	{Lat: -22.9068, Lon: -43.1729},
}

var _ = Describe("Validate", func() {
	It("rejects fewer than two waypoints", func() {
		Expect(routing.Validate([]trip.Waypoint{{Lat: 1, Lon: 1}})).To(MatchError(ContainSubstring("at least 2")))
	})
	It("rejects out-of-range coordinates", func() {
		Expect(routing.Validate([]trip.Waypoint{{Lat: 91, Lon: 0}, {Lat: 0, Lon: 0}})).To(MatchError(ContainSubstring("out of range")))
		Expect(routing.Validate([]trip.Waypoint{{Lat: 0, Lon: -181}, {Lat: 0, Lon: 0}})).To(MatchError(ContainSubstring("out of range")))
	})
	It("accepts a valid list", func() {
		Expect(routing.Validate(waypoints)).To(Succeed())
	})
})

var _ = Describe("FetchRoute", func() {
	It("falls back to OSRM when no credential is mounted", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Method).To(Equal(http.MethodGet))
			Expect(r.URL.Path).To(Equal("/route/v1/driving/-46.6333,-23.5505;-43.1729,-22.9068"))
			Expect(r.URL.Query().Get("overview")).To(Equal("full"))
			Expect(r.URL.Query().Get("geometries")).To(Equal("geojson"))
			io.WriteString(w, `{"routes":[{"distance":431200.4,"duration":18732.9,
				"geometry":{"type":"LineString","coordinates":[[-46.6333,-23.5505],[-43.1729,-22.9068]]}}]}`)
		}))
		defer srv.Close()

		p := routing.NewProvider(srv.Client(), secret.NewReader(), "http://ors.invalid", srv.URL,
			filepath.Join(GinkgoT().TempDir(), "absent"))
		route, err := p.FetchRoute(context.Background(), waypoints)
		Expect(err).NotTo(HaveOccurred())
		Expect(route.Provider).To(Equal(routing.ProviderOSRM))
		Expect(route.DistanceMeters).To(Equal(431200))
		Expect(route.DurationSeconds).To(Equal(18732))

		var geom map[string]any
		Expect(json.Unmarshal(route.Geometry, &geom)).To(Succeed())
		Expect(geom["type"]).To(Equal("LineString"))
	})

	It("prefers ORS when the credential exists", func() {
		keyPath := filepath.Join(GinkgoT().TempDir(), "ors_key")
		Expect(os.WriteFile(keyPath, []byte("ors-secret"), 0o600)).To(Succeed())

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Method).To(Equal(http.MethodPost))
			Expect(r.URL.Path).To(Equal("/v2/directions/driving-car/geojson"))
			Expect(r.Header.Get("Authorization")).To(Equal("ors-secret"))

			var body map[string][][2]float64
			Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
			Expect(body["coordinates"]).To(Equal([][2]float64{{-46.6333, -23.5505}, {-43.1729, -22.9068}}))

			io.WriteString(w, `{"features":[{"properties":{"summary":{"distance":429000,"duration":18000}},
				"geometry":{"type":"LineString","coordinates":[[-46.6333,-23.5505],[-43.1729,-22.9068]]}}]}`)
		}))
		defer srv.Close()

		p := routing.NewProvider(srv.Client(), secret.NewReader(), srv.URL, "http://osrm.invalid", keyPath)
		route, err := p.FetchRoute(context.Background(), waypoints)
		Expect(err).NotTo(HaveOccurred())
		Expect(route.Provider).To(Equal(routing.ProviderORS))
		Expect(route.DistanceMeters).To(Equal(429000))
		Expect(route.DurationSeconds).To(Equal(18000))
	})

	It("surfaces HTTP failures without retrying", func() {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "router overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		p := routing.NewProvider(srv.Client(), secret.NewReader(), "http://ors.invalid", srv.URL,
			filepath.Join(GinkgoT().TempDir(), "absent"))
		_, err := p.FetchRoute(context.Background(), waypoints)
		Expect(err).To(MatchError(ContainSubstring("503")))
		Expect(calls.Load()).To(Equal(int32(1)))
	})
})
