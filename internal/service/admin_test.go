package service_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"parley.app/dialog/internal/brain"
	"parley.app/dialog/internal/lock"
	"parley.app/dialog/internal/model"
	"parley.app/dialog/internal/queue"
	"parley.app/dialog/internal/service"
	"parley.app/dialog/internal/store"
	"parley.app/dialog/internal/worker"
)

var _ = Describe("AdminService", func() {
	var (
		ctx          context.Context
		stores       *store.Memory
		locks        *lock.Manager
		orchestrator *mockOrchestrator
		sweeper      *mockSweeper
		scheduler    *mockScheduler
		admin        service.AdminService
		now          time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		stores = store.NewMemory()
		locks = lock.NewManager(stores.Conversations())
		locks.Now = func() time.Time { return now }
		orchestrator = &mockOrchestrator{}
		sweeper = &mockSweeper{}
		scheduler = &mockScheduler{}
		admin = service.NewAdminService(locks, orchestrator, sweeper, scheduler)
	})

	Describe("ForceUnlock", func() {
		It("clears the lease and schedules a pass at the restart window", func() {
			conv, err := stores.Conversations().Create(ctx, &model.Conversation{
				Status: model.ConversationStatusChatting,
				State: model.ConversationState{
					ProcessingLock: &model.Lock{RunID: "stuck", StartedAt: now, Until: now.Add(time.Minute)},
				},
			})
			Expect(err).NotTo(HaveOccurred())

			res, err := admin.ForceUnlock(ctx, conv.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Unlocked).To(BeTrue())
			Expect(res.NextResponseAt).To(BeTemporally(">", now))

			updated, err := stores.Conversations().GetByID(ctx, conv.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.State.ProcessingLock).To(BeNil())

			Expect(scheduler.tasks).To(ConsistOf(queue.Task{
				TaskType:       queue.TaskTypeConversationTouched,
				ConversationID: conv.ID,
				Source:         queue.SourceAdmin,
			}))
			Expect(scheduler.at[0]).To(BeTemporally("==", res.NextResponseAt))
		})

		It("reports an unlocked conversation without failing", func() {
			conv, err := stores.Conversations().Create(ctx, &model.Conversation{Status: model.ConversationStatusChatting})
			Expect(err).NotTo(HaveOccurred())

			res, err := admin.ForceUnlock(ctx, conv.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Unlocked).To(BeFalse())
		})

		It("still succeeds when scheduling fails", func() {
			conv, err := stores.Conversations().Create(ctx, &model.Conversation{Status: model.ConversationStatusChatting})
			Expect(err).NotTo(HaveOccurred())
			scheduler.err = errors.New("redis down")

			_, err = admin.ForceUnlock(ctx, conv.ID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns not found for unknown conversations", func() {
			_, err := admin.ForceUnlock(ctx, 404)
			Expect(err).To(MatchError(service.ErrConversationNotFound))
			Expect(scheduler.tasks).To(BeEmpty())
		})
	})

	Describe("RunSweep", func() {
		It("returns the sweep counts", func() {
			sweeper.result = worker.SweepResult{Scanned: 3, Reprocessed: 2, Skipped: 1}

			res, err := admin.RunSweep(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(sweeper.result))
			Expect(sweeper.calls).To(Equal(1))
		})

		It("propagates query failures", func() {
			sweeper.err = errors.New("db down")
			_, err := admin.RunSweep(ctx)
			Expect(err).To(MatchError("db down"))
		})
	})

	Describe("RunOrchestrator", func() {
		It("runs a pass with the admin source", func() {
			orchestrator.processFn = func(_ context.Context, id int64, _ string) (brain.Result, error) {
				return brain.Result{ConversationID: id, Outcome: brain.OutcomeResponded}, nil
			}

			res, err := admin.RunOrchestrator(ctx, 12)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(brain.OutcomeResponded))
			Expect(orchestrator.sources).To(Equal([]string{queue.SourceAdmin}))
		})

		It("maps a missing conversation to not found", func() {
			orchestrator.processFn = func(context.Context, int64, string) (brain.Result, error) {
				return brain.Result{}, brain.NewFatalError(store.ErrNotFound)
			}

			_, err := admin.RunOrchestrator(ctx, 12)
			Expect(err).To(MatchError(service.ErrConversationNotFound))
		})
	})
})
