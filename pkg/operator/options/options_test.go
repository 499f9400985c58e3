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

package options_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/delayshield/delayshield/pkg/budget"
	"github.com/delayshield/delayshield/pkg/operator/options"
)

var _ = Describe("Options", func() {
	It("applies environment defaults", func() {
		GinkgoT().Setenv("DATABASE_URL", "postgres://ds:ds@localhost:5432/ds")
		GinkgoT().Setenv("SCAN_INTERVAL_SECONDS", "30")
		GinkgoT().Setenv("OWM_DAILY_LIMIT", "500")

		opts := options.New()
		Expect(opts.Parse(nil)).To(Succeed())
		Expect(opts.Validate()).To(Succeed())
		Expect(opts.DatabaseURL).To(Equal("postgres://ds:ds@localhost:5432/ds"))
		Expect(opts.ScanInterval()).To(Equal(30 * time.Second))
		Expect(opts.BudgetLimits()).To(Equal(budget.Limits{
			OWMDaily:       500,
			RouteDaily:     400,
			OWMPerMinute:   30,
			RoutePerMinute: 20,
		}))
		Expect(opts.HTTPTimeout()).To(Equal(25 * time.Second))
	})

	It("lets flags override the environment", func() {
		GinkgoT().Setenv("REDIS_URL", "redis://env:6379/0")

		opts := options.New()
		Expect(opts.Parse([]string{
			"--database-url", "postgres://ds:ds@localhost:5432/ds",
			"--redis-url", "redis://flag:6379/1",
		})).To(Succeed())
		Expect(opts.Validate()).To(Succeed())
		Expect(opts.RedisURL).To(Equal("redis://flag:6379/1"))
	})

	It("requires a database URL", func() {
		opts := options.New()
		Expect(opts.Parse(nil)).To(Succeed())
		Expect(opts.Validate()).To(MatchError(ContainSubstring("DATABASE_URL is required")))
	})

	It("rejects malformed Redis URLs", func() {
		opts := options.New()
		Expect(opts.Parse([]string{
			"--database-url", "postgres://ds:ds@localhost:5432/ds",
			"--redis-url", "localhost:6379",
		})).To(Succeed())
		Expect(opts.Validate()).To(MatchError(ContainSubstring("not a valid REDIS_URL")))
	})

	It("rejects non-positive cadences and negative limits", func() {
		opts := options.New()
		Expect(opts.Parse([]string{
			"--database-url", "postgres://ds:ds@localhost:5432/ds",
			"--scan-interval-seconds", "0",
			"--route-daily-limit", "-1",
		})).To(Succeed())
		err := opts.Validate()
		Expect(err).To(MatchError(ContainSubstring("scan-interval-seconds must be positive")))
		Expect(err).To(MatchError(ContainSubstring("route-daily-limit may not be negative")))
	})
})
