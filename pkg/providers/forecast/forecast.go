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

// Package forecast samples the destination weather from the OpenWeatherMap
// 5 day / 3 hour forecast and condenses the slot nearest to the predicted
// arrival into a severity scalar in [0, 1].
package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/delayshield/delayshield/pkg/metrics"
	"github.com/delayshield/delayshield/pkg/utils/secret"
)

const providerName = "owm"

// ErrKeyMissing indicates the forecast credential is not mounted. This is a
// configuration error, not a transient provider failure.
var ErrKeyMissing = errors.New("openweather key missing")

// Provider fetches forecasts from OpenWeatherMap.
type Provider struct {
	client  *http.Client
	secrets *secret.Reader
	baseURL string
	keyPath string
}

func NewProvider(client *http.Client, secrets *secret.Reader, baseURL, keyPath string) *Provider {
	return &Provider{
		client:  client,
		secrets: secrets,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		keyPath: keyPath,
	}
}

type response struct {
	List []slot `json:"list"`
}

// Numeric fields absent from the payload decode to zero, which is exactly
// the defensive default the severity formula wants.
type slot struct {
	Dt   int64 `json:"dt"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Rain struct {
		ThreeH float64 `json:"3h"`
	} `json:"rain"`
	Snow struct {
		ThreeH float64 `json:"3h"`
	} `json:"snow"`
	Clouds struct {
		All float64 `json:"all"`
	} `json:"clouds"`
	Weather []struct {
		Main string `json:"main"`
	} `json:"weather"`
}

// FetchForecast returns the weather severity at (lat, lon) near target,
// together with the weather record persisted into the recalc audit payload.
func (p *Provider) FetchForecast(ctx context.Context, lat, lon float64, target time.Time) (float64, map[string]any, error) {
	key, ok := p.secrets.Read(p.keyPath)
	if !ok {
		return 0, nil, ErrKeyMissing
	}

	start := time.Now()
	defer func() { metrics.ProviderRequestDuration.WithLabelValues(providerName).Observe(time.Since(start).Seconds()) }()

	query := url.Values{
		"lat":   {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":   {strconv.FormatFloat(lon, 'f', -1, 64)},
		"appid": {key},
		"units": {"metric"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/data/2.5/forecast?%s", p.baseURL, query.Encode()), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("building forecast request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("forecast: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, nil, fmt.Errorf("forecast: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, nil, fmt.Errorf("forecast: decoding response: %w", err)
	}

	best, found := nearestSlot(out.List, target)
	if !found {
		return 0, map[string]any{"summary": "no-forecast", "severity": 0.0}, nil
	}

	condition := "Unknown"
	if len(best.Weather) > 0 && best.Weather[0].Main != "" {
		condition = best.Weather[0].Main
	}
	sev := Severity(best.Rain.ThreeH, best.Snow.ThreeH, best.Wind.Speed, best.Clouds.All)
	return sev, map[string]any{
		"severity":    sev,
		"wx":          condition,
		"wind_mps":    best.Wind.Speed,
		"rain_3h_mm":  best.Rain.ThreeH,
		"snow_3h_mm":  best.Snow.ThreeH,
		"clouds_pct":  best.Clouds.All,
		"forecast_dt": time.Unix(best.Dt, 0).UTC().Format(time.RFC3339),
	}, nil
}

// nearestSlot picks the slot whose timestamp is closest to target by
// absolute difference. Ties keep the earlier slot.
func nearestSlot(list []slot, target time.Time) (slot, bool) {
	var best slot
	bestDiff := time.Duration(math.MaxInt64)
	found := false
	for _, s := range list {
		diff := time.Unix(s.Dt, 0).Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			best, bestDiff, found = s, diff, true
		}
	}
	return best, found
}

// Severity condenses rain, snow, wind and cloud cover into [0, 1].
func Severity(rainMM, snowMM, windMPS, cloudsPct float64) float64 {
	s := math.Min(1, rainMM/10)*0.5 +
		math.Min(1, snowMM/5)*0.6 +
		math.Min(1, windMPS/15)*0.4 +
		cloudsPct/100*0.1
	return math.Max(0, math.Min(1, s))
}
