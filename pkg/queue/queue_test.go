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

package queue_test

import (
	"context"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/delayshield/delayshield/pkg/queue"
)

var _ = Describe("Queue", func() {
	var (
		mr  *miniredis.Miniredis
		rdb *redis.Client
		q   *queue.Queue
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(mr.Close)
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(func() { _ = rdb.Close() })
		q = queue.New(rdb, zap.NewNop())
	})

	It("round-trips jobs through Redis in dispatch order", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		tripID := uuid.New()
		Expect(q.Dispatch(ctx, queue.ScanJob())).To(Succeed())
		Expect(q.Dispatch(ctx, queue.RecalcJob(tripID))).To(Succeed())

		var (
			mu      sync.Mutex
			handled []queue.Job
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			q.Run(ctx, 1, func(_ context.Context, job queue.Job) error {
				mu.Lock()
				defer mu.Unlock()
				handled = append(handled, job)
				if len(handled) == 2 {
					cancel()
				}
				return nil
			})
		}()

		Eventually(done, 5*time.Second).Should(BeClosed())
		Expect(handled).To(Equal([]queue.Job{
			{Name: queue.JobScanDueTrips},
			{Name: queue.JobRecalcTrip, TripID: tripID.String()},
		}))
	})

	It("skips undecodable payloads and keeps consuming", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, err := rdb.LPush(ctx, "delayshield:jobs", "not-json").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(q.Dispatch(ctx, queue.ScanJob())).To(Succeed())

		got := make(chan queue.Job, 1)
		go q.Run(ctx, 1, func(_ context.Context, job queue.Job) error {
			got <- job
			cancel()
			return nil
		})

		Eventually(got, 5*time.Second).Should(Receive(Equal(queue.Job{Name: queue.JobScanDueTrips})))
	})
})
