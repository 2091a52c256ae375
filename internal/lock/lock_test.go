package lock_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"parley.app/dialog/internal/lock"
	"parley.app/dialog/internal/model"
	"parley.app/dialog/internal/store"
)

var _ = Describe("Manager", func() {
	var (
		ctx     context.Context
		mem     *store.Memory
		manager *lock.Manager
		now     time.Time
		convID  int64
		runSeq  atomic.Int64
	)

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewMemory()
		now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

		manager = lock.NewManager(mem.Conversations())
		manager.Now = func() time.Time { return now }
		manager.NewRunID = func() string { return fmt.Sprintf("run-%d", runSeq.Add(1)) }

		conv, err := mem.Conversations().Create(ctx, &model.Conversation{
			ChannelAddress: "5511987654321",
			DepthTier:      model.DepthTierQuick,
			Status:         model.ConversationStatusChatting,
			CreatedAt:      now.Add(-time.Minute),
		})
		Expect(err).NotTo(HaveOccurred())
		convID = conv.ID
	})

	Describe("TryAcquire", func() {
		It("writes a lease with the configured ttl", func() {
			l, err := manager.TryAcquire(ctx, convID, 45*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(l.StartedAt).To(Equal(now))
			Expect(l.Until).To(Equal(now.Add(45 * time.Second)))

			conv, err := mem.Conversations().GetByID(ctx, convID)
			Expect(err).NotTo(HaveOccurred())
			Expect(conv.State.ProcessingLock).NotTo(BeNil())
			Expect(conv.State.ProcessingLock.RunID).To(Equal(l.RunID))
		})

		It("reports busy while the lease is active", func() {
			_, err := manager.TryAcquire(ctx, convID, 45*time.Second)
			Expect(err).NotTo(HaveOccurred())

			now = now.Add(44 * time.Second)
			_, err = manager.TryAcquire(ctx, convID, 45*time.Second)
			Expect(err).To(MatchError(lock.ErrBusy))
		})

		It("steals an expired lease", func() {
			first, err := manager.TryAcquire(ctx, convID, 45*time.Second)
			Expect(err).NotTo(HaveOccurred())

			now = now.Add(45 * time.Second)
			second, err := manager.TryAcquire(ctx, convID, 45*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.RunID).NotTo(Equal(first.RunID))
		})

		It("grants exactly one of many concurrent callers", func() {
			const callers = 32
			var (
				wg      sync.WaitGroup
				granted atomic.Int32
				busy    atomic.Int32
			)
			for range callers {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := manager.TryAcquire(ctx, convID, 45*time.Second)
					switch {
					case err == nil:
						granted.Add(1)
					case errors.Is(err, lock.ErrBusy):
						busy.Add(1)
					default:
						Fail(err.Error())
					}
				}()
			}
			wg.Wait()

			Expect(granted.Load()).To(Equal(int32(1)))
			Expect(busy.Load()).To(Equal(int32(callers - 1)))
		})

		It("returns not found for unknown conversations", func() {
			_, err := manager.TryAcquire(ctx, 999_999, time.Second)
			Expect(errors.Is(err, store.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("Release", func() {
		It("clears the lease held by the run", func() {
			l, err := manager.TryAcquire(ctx, convID, 45*time.Second)
			Expect(err).NotTo(HaveOccurred())

			released, err := manager.Release(ctx, convID, l.RunID)
			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(BeTrue())

			_, err = manager.TryAcquire(ctx, convID, 45*time.Second)
			Expect(err).NotTo(HaveOccurred())
		})

		It("leaves a newer run's lease alone", func() {
			stale, err := manager.TryAcquire(ctx, convID, 45*time.Second)
			Expect(err).NotTo(HaveOccurred())

			now = now.Add(time.Minute)
			fresh, err := manager.TryAcquire(ctx, convID, 45*time.Second)
			Expect(err).NotTo(HaveOccurred())

			released, err := manager.Release(ctx, convID, stale.RunID)
			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(BeFalse())

			conv, err := mem.Conversations().GetByID(ctx, convID)
			Expect(err).NotTo(HaveOccurred())
			Expect(conv.State.ProcessingLock.RunID).To(Equal(fresh.RunID))
		})
	})

	Describe("ForceClear", func() {
		It("drops the lease and seeds a short response window", func() {
			_, err := manager.TryAcquire(ctx, convID, 45*time.Second)
			Expect(err).NotTo(HaveOccurred())

			result, err := manager.ForceClear(ctx, convID)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Unlocked).To(BeTrue())
			Expect(result.NextResponseAt).To(Equal(now.Add(5 * time.Second)))

			conv, err := mem.Conversations().GetByID(ctx, convID)
			Expect(err).NotTo(HaveOccurred())
			Expect(conv.State.ProcessingLock).To(BeNil())
			Expect(conv.State.NextResponseSource).To(Equal("force_unlock"))
			Expect(lock.IsLocked(conv, now)).To(BeFalse())
		})

		It("reports unlocked=false when nothing was held", func() {
			result, err := manager.ForceClear(ctx, convID)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Unlocked).To(BeFalse())
		})
	})
})
