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

// Package routing fetches driving routes for a trip's waypoints. It talks
// to OpenRouteService when a credential is mounted and falls back to the
// public OSRM router otherwise. Calls are never retried here; the
// recalculator decides what a failure means.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/delayshield/delayshield/pkg/metrics"
	"github.com/delayshield/delayshield/pkg/trip"
	"github.com/delayshield/delayshield/pkg/utils/secret"
)

const (
	ProviderORS    = "ors"
	ProviderOSRM   = "osrm"
	ProviderCached = "cached"
)

// Route is the result of a route fetch. Geometry is a GeoJSON LineString
// kept verbatim as returned by the provider.
type Route struct {
	DistanceMeters  int
	DurationSeconds int
	Geometry        json.RawMessage
	Provider        string
}

// Provider fetches routes from ORS or OSRM.
type Provider struct {
	client      *http.Client
	secrets     *secret.Reader
	orsBaseURL  string
	osrmBaseURL string
	keyPath     string
}

func NewProvider(client *http.Client, secrets *secret.Reader, orsBaseURL, osrmBaseURL, keyPath string) *Provider {
	return &Provider{
		client:      client,
		secrets:     secrets,
		orsBaseURL:  strings.TrimSuffix(orsBaseURL, "/"),
		osrmBaseURL: strings.TrimSuffix(osrmBaseURL, "/"),
		keyPath:     keyPath,
	}
}

// FetchRoute resolves a driving route through all waypoints in order.
func (p *Provider) FetchRoute(ctx context.Context, waypoints []trip.Waypoint) (Route, error) {
	if err := Validate(waypoints); err != nil {
		return Route{}, err
	}
	// Providers take coordinates longitude first.
	coords := lo.Map(waypoints, func(w trip.Waypoint, _ int) [2]float64 {
		return [2]float64{w.Lon, w.Lat}
	})
	if key, ok := p.secrets.Read(p.keyPath); ok {
		return p.fetchORS(ctx, coords, key)
	}
	return p.fetchOSRM(ctx, coords)
}

// Validate checks the waypoint list constraints shared by the recalculator
// and the façade's route preview.
func Validate(waypoints []trip.Waypoint) error {
	if len(waypoints) < 2 {
		return fmt.Errorf("need at least 2 waypoints, got %d", len(waypoints))
	}
	for i, w := range waypoints {
		if w.Lat < -90 || w.Lat > 90 || w.Lon < -180 || w.Lon > 180 {
			return fmt.Errorf("waypoint %d out of range: lat=%v lon=%v", i, w.Lat, w.Lon)
		}
	}
	return nil
}

type orsResponse struct {
	Features []struct {
		Properties struct {
			Summary struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
			} `json:"summary"`
		} `json:"properties"`
		Geometry json.RawMessage `json:"geometry"`
	} `json:"features"`
}

func (p *Provider) fetchORS(ctx context.Context, coords [][2]float64, key string) (Route, error) {
	start := time.Now()
	defer func() { metrics.ProviderRequestDuration.WithLabelValues(ProviderORS).Observe(time.Since(start).Seconds()) }()

	body, err := json.Marshal(map[string]any{"coordinates": coords})
	if err != nil {
		return Route{}, fmt.Errorf("encoding ors request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.orsBaseURL+"/v2/directions/driving-car/geojson", bytes.NewReader(body))
	if err != nil {
		return Route{}, fmt.Errorf("building ors request: %w", err)
	}
	req.Header.Set("Authorization", key)
	req.Header.Set("Content-Type", "application/json")

	var out orsResponse
	if err := p.do(req, &out); err != nil {
		return Route{}, fmt.Errorf("ors: %w", err)
	}
	if len(out.Features) == 0 {
		return Route{}, fmt.Errorf("ors: empty feature list")
	}
	feat := out.Features[0]
	return Route{
		DistanceMeters:  int(feat.Properties.Summary.Distance),
		DurationSeconds: int(feat.Properties.Summary.Duration),
		Geometry:        feat.Geometry,
		Provider:        ProviderORS,
	}, nil
}

type osrmResponse struct {
	Routes []struct {
		Distance float64         `json:"distance"`
		Duration float64         `json:"duration"`
		Geometry json.RawMessage `json:"geometry"`
	} `json:"routes"`
}

func (p *Provider) fetchOSRM(ctx context.Context, coords [][2]float64) (Route, error) {
	start := time.Now()
	defer func() { metrics.ProviderRequestDuration.WithLabelValues(ProviderOSRM).Observe(time.Since(start).Seconds()) }()

	path := strings.Join(lo.Map(coords, func(c [2]float64, _ int) string {
		return fmt.Sprintf("%v,%v", c[0], c[1])
	}), ";")
	query := url.Values{"overview": {"full"}, "geometries": {"geojson"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/route/v1/driving/%s?%s", p.osrmBaseURL, path, query.Encode()), nil)
	if err != nil {
		return Route{}, fmt.Errorf("building osrm request: %w", err)
	}

	var out osrmResponse
	if err := p.do(req, &out); err != nil {
		return Route{}, fmt.Errorf("osrm: %w", err)
	}
	if len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm: empty route list")
	}
	r := out.Routes[0]
	return Route{
		DistanceMeters:  int(r.Distance),
		DurationSeconds: int(r.Duration),
		Geometry:        r.Geometry,
		Provider:        ProviderOSRM,
	}, nil
}

func (p *Provider) do(req *http.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
