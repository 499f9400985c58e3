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

package options

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/delayshield/delayshield/pkg/budget"
	"github.com/delayshield/delayshield/pkg/utils/env"
)

// Options for running the apiserver and worker binaries.
type Options struct {
	*flag.FlagSet
	// Infrastructure
	DatabaseURL       string
	RedisURL          string
	ListenAddr        string
	WorkerConcurrency int
	// Scheduling
	ScanIntervalSeconds int
	// Quota limits
	OWMDailyLimit    int
	RouteDailyLimit  int
	OWMPerMinLimit   int
	RoutePerMinLimit int
	// Providers
	OWMBaseURL         string
	ORSBaseURL         string
	OSRMBaseURL        string
	OWMAPIKeyFile      string
	ORSAPIKeyFile      string
	HTTPTimeoutSeconds int
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("delayshield", flag.ContinueOnError)
	opts.FlagSet = f

	// Infrastructure
	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "Postgres connection URL")
	f.StringVar(&opts.RedisURL, "redis-url", env.WithDefaultString("REDIS_URL", "redis://localhost:6379/0"), "Redis connection URL for the job broker")
	f.StringVar(&opts.ListenAddr, "listen-addr", env.WithDefaultString("LISTEN_ADDR", ":8000"), "The address the HTTP API binds to")
	f.IntVar(&opts.WorkerConcurrency, "worker-concurrency", env.WithDefaultInt("WORKER_CONCURRENCY", 4), "Number of concurrent job consumers in the worker")

	// Scheduling
	f.IntVar(&opts.ScanIntervalSeconds, "scan-interval-seconds", env.WithDefaultInt("SCAN_INTERVAL_SECONDS", 60), "How often the scanner looks for due trips")

	// Quota limits
	f.IntVar(&opts.OWMDailyLimit, "owm-daily-limit", env.WithDefaultInt("OWM_DAILY_LIMIT", 800), "Global daily call budget for the weather API")
	f.IntVar(&opts.RouteDailyLimit, "route-daily-limit", env.WithDefaultInt("ROUTE_DAILY_LIMIT", 400), "Global daily call budget for the routing API")
	f.IntVar(&opts.OWMPerMinLimit, "owm-per-min-limit", env.WithDefaultInt("OWM_PER_MIN_LIMIT", 30), "Global per-minute call budget for the weather API")
	f.IntVar(&opts.RoutePerMinLimit, "route-per-min-limit", env.WithDefaultInt("ROUTE_PER_MIN_LIMIT", 20), "Global per-minute call budget for the routing API")

	// Providers
	f.StringVar(&opts.OWMBaseURL, "owm-base-url", env.WithDefaultString("OWM_BASE_URL", "https://api.openweathermap.org"), "OpenWeatherMap API base URL")
	f.StringVar(&opts.ORSBaseURL, "ors-base-url", env.WithDefaultString("ORS_BASE_URL", "https://api.openrouteservice.org"), "OpenRouteService API base URL")
	f.StringVar(&opts.OSRMBaseURL, "osrm-base-url", env.WithDefaultString("OSRM_BASE_URL", "https://router.project-osrm.org"), "OSRM API base URL, used when no OpenRouteService key is present")
	f.StringVar(&opts.OWMAPIKeyFile, "owm-api-key-file", env.WithDefaultString("OPENWEATHER_API_KEY_FILE", "/run/secrets/openweather_api_key"), "Path to the file holding the OpenWeatherMap API key")
	f.StringVar(&opts.ORSAPIKeyFile, "ors-api-key-file", env.WithDefaultString("OPENROUTESERVICE_API_KEY_FILE", "/run/secrets/openrouteservice_api_key"), "Path to the file holding the OpenRouteService API key")
	f.IntVar(&opts.HTTPTimeoutSeconds, "http-timeout-seconds", env.WithDefaultInt("HTTP_TIMEOUT_SECONDS", 25), "Timeout for outbound provider requests")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.DatabaseURL == "" {
		err = multierr.Append(err, fmt.Errorf("DATABASE_URL is required"))
	}
	err = multierr.Append(err, o.validateRedisURL())
	for name, v := range map[string]int{
		"scan-interval-seconds": o.ScanIntervalSeconds,
		"worker-concurrency":    o.WorkerConcurrency,
		"http-timeout-seconds":  o.HTTPTimeoutSeconds,
	} {
		if v <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive", name))
		}
	}
	for name, v := range map[string]int{
		"owm-daily-limit":     o.OWMDailyLimit,
		"route-daily-limit":   o.RouteDailyLimit,
		"owm-per-min-limit":   o.OWMPerMinLimit,
		"route-per-min-limit": o.RoutePerMinLimit,
	} {
		if v < 0 {
			err = multierr.Append(err, fmt.Errorf("%s may not be negative", name))
		}
	}
	return err
}

func (o Options) validateRedisURL() error {
	u, err := url.Parse(o.RedisURL)
	if err != nil || u.Scheme != "redis" && u.Scheme != "rediss" || u.Host == "" {
		return fmt.Errorf("%q not a valid REDIS_URL", o.RedisURL)
	}
	return nil
}

// ScanInterval returns the scan cadence as a duration.
func (o Options) ScanInterval() time.Duration {
	return time.Duration(o.ScanIntervalSeconds) * time.Second
}

// HTTPTimeout returns the outbound request timeout as a duration.
func (o Options) HTTPTimeout() time.Duration {
	return time.Duration(o.HTTPTimeoutSeconds) * time.Second
}

// BudgetLimits returns the configured global quota limits.
func (o Options) BudgetLimits() budget.Limits {
	return budget.Limits{
		OWMDaily:       o.OWMDailyLimit,
		RouteDaily:     o.RouteDailyLimit,
		OWMPerMinute:   o.OWMPerMinLimit,
		RoutePerMinute: o.RoutePerMinLimit,
	}
}
