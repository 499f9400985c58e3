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

package budget_test

import (
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/delayshield/delayshield/pkg/budget"
	"github.com/delayshield/delayshield/pkg/trip"
)

var _ = Describe("Check", func() {
	var (
		limits  budget.Limits
		subject *trip.Trip
		bucket  time.Time
	)

	BeforeEach(func() {
		limits = budget.Limits{OWMDaily: 800, RouteDaily: 400, OWMPerMinute: 30, RoutePerMinute: 20}
		subject = &trip.Trip{ID: uuid.New(), TripOWMDailyCap: 30, TripRouteDailyCap: 15}
		bucket = time.Date(2025, time.March, 14, 10, 42, 0, 0, time.UTC)
	})

	It("admits a call with every counter under its cap", func() {
		ok, _, reason := limits.Check(subject, trip.APIRoute, budget.Usage{GlobalDay: 10, GlobalMinute: 2, TripDay: 3}, bucket, 1)
		Expect(ok).To(BeTrue())
		Expect(reason).To(BeEmpty())
	})

	It("admits the call that exactly fills every cap", func() {
		ok, _, _ := limits.Check(subject, trip.APIRoute, budget.Usage{GlobalDay: 399, GlobalMinute: 19, TripDay: 14}, bucket, 1)
		Expect(ok).To(BeTrue())
	})

	It("denies an exhausted global daily cap", func() {
		ok, _, reason := limits.Check(subject, trip.APIRoute, budget.Usage{GlobalDay: 400}, bucket, 1)
		Expect(ok).To(BeFalse())
		Expect(reason).To(Equal("global_daily_limit route 400/400"))
	})

	It("denies an exhausted minute cap, naming the bucket", func() {
		ok, _, reason := limits.Check(subject, trip.APIOWM, budget.Usage{GlobalMinute: 30}, bucket, 1)
		Expect(ok).To(BeFalse())
		Expect(reason).To(Equal("per_min_limit owm 30/30 bucket=2025-03-14T10:42:00Z"))
	})

	It("denies an exhausted per-trip cap using the trip's own limit", func() {
		ok, _, reason := limits.Check(subject, trip.APIOWM, budget.Usage{TripDay: 30}, bucket, 1)
		Expect(ok).To(BeFalse())
		Expect(reason).To(Equal("trip_daily_cap owm 30/30"))

		ok, _, reason = limits.Check(subject, trip.APIRoute, budget.Usage{TripDay: 15}, bucket, 1)
		Expect(ok).To(BeFalse())
		Expect(reason).To(Equal("trip_daily_cap route 15/15"))
	})

	It("selects the global limits per api", func() {
		// 400 consumed exhausts the route day but leaves owm headroom.
		ok, _, _ := limits.Check(subject, trip.APIOWM, budget.Usage{GlobalDay: 400}, bucket, 1)
		Expect(ok).To(BeTrue())
	})

	It("evaluates global day before minute before trip", func() {
		all := budget.Usage{GlobalDay: 400, GlobalMinute: 20, TripDay: 15}
		_, _, reason := limits.Check(subject, trip.APIRoute, all, bucket, 1)
		Expect(reason).To(HavePrefix("global_daily_limit"))

		_, _, reason = limits.Check(subject, trip.APIRoute, budget.Usage{GlobalMinute: 20, TripDay: 15}, bucket, 1)
		Expect(reason).To(HavePrefix("per_min_limit"))
	})
})

var _ = Describe("MinuteBucket", func() {
	It("zeroes seconds and subseconds", func() {
		at := time.Date(2025, time.March, 14, 10, 42, 59, 900_000_000, time.UTC)
		Expect(budget.MinuteBucket(at)).To(Equal(time.Date(2025, time.March, 14, 10, 42, 0, 0, time.UTC)))
	})
	It("splits consumes across a minute rollover into different buckets", func() {
		before := time.Date(2025, time.March, 14, 0, 59, 59, 900_000_000, time.UTC)
		after := time.Date(2025, time.March, 14, 1, 0, 0, 100_000_000, time.UTC)
		Expect(budget.MinuteBucket(before)).NotTo(Equal(budget.MinuteBucket(after)))
	})
	It("normalizes to UTC", func() {
		loc := time.FixedZone("BRT", -3*3600)
		at := time.Date(2025, time.March, 14, 7, 30, 15, 0, loc)
		Expect(budget.MinuteBucket(at)).To(Equal(time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)))
	})
})

var _ = Describe("UTCDay", func() {
	It("truncates to the UTC calendar day", func() {
		at := time.Date(2025, time.March, 14, 23, 59, 59, 0, time.UTC)
		Expect(budget.UTCDay(at)).To(Equal(time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC)))
	})
	It("day boundaries follow UTC, not local time", func() {
		loc := time.FixedZone("BRT", -3*3600)
		at := time.Date(2025, time.March, 14, 22, 30, 0, 0, loc) // 01:30 UTC next day
		Expect(budget.UTCDay(at)).To(Equal(time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)))
	})
})
