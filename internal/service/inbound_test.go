package service_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"parley.app/dialog/internal/model"
	"parley.app/dialog/internal/queue"
	"parley.app/dialog/internal/service"
	"parley.app/dialog/internal/store"
)

var _ = Describe("InboundGate", func() {
	var (
		ctx      context.Context
		stores   *store.Memory
		producer *mockProducer
		gate     *service.InboundGate
		now      time.Time
	)

	createConversation := func(mutate func(c *model.Conversation)) *model.Conversation {
		conv := &model.Conversation{
			PersonaName:     "Marina",
			ChannelAddress:  "5511987654321",
			ChannelInstance: "inst-a",
			DepthTier:       model.DepthTierIntermediate,
			Status:          model.ConversationStatusChatting,
			CreatedAt:       now.Add(-time.Hour),
		}
		if mutate != nil {
			mutate(conv)
		}
		created, err := stores.Conversations().Create(ctx, conv)
		Expect(err).NotTo(HaveOccurred())
		return created
	}

	event := func(text string) service.InboundEvent {
		return service.InboundEvent{
			Instance: "inst-a",
			Sender:   "5511987654321@s.whatsapp.net",
			Text:     text,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		stores = store.NewMemory()
		producer = &mockProducer{}
		gate = service.NewInboundGate(stores, producer)
		gate.Now = func() time.Time { return now }
	})

	It("stores the message, records activity and publishes a trigger", func() {
		conv := createConversation(nil)

		res, err := gate.Receive(ctx, event("  oi, tudo bem?  "))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.ConversationID).To(Equal(conv.ID))
		Expect(res.InstanceChanged).To(BeFalse())

		msgs, err := stores.Messages().ListByConversation(ctx, conv.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].ID).To(Equal(res.MessageID))
		Expect(msgs[0].Direction).To(Equal(model.DirectionInbound))
		Expect(msgs[0].Content).To(Equal("oi, tudo bem?"))
		Expect(msgs[0].Meta.Processed).To(BeFalse())

		updated, err := stores.Conversations().GetByID(ctx, conv.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(updated.LastActivityAt).NotTo(BeNil())
		Expect(*updated.LastActivityAt).To(BeTemporally("==", now))

		gate.Wait()
		Expect(producer.Tasks()).To(ConsistOf(queue.Task{
			TaskType:       queue.TaskTypeConversationTouched,
			ConversationID: conv.ID,
			Source:         queue.SourceInbound,
		}))
	})

	DescribeTable("matches the stored address across formatting variants",
		func(sender string) {
			conv := createConversation(nil)
			ev := event("hello")
			ev.Sender = sender

			res, err := gate.Receive(ctx, ev)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.ConversationID).To(Equal(conv.ID))
		},
		Entry("exact digits", "5511987654321"),
		Entry("gateway jid", "5511987654321@s.whatsapp.net"),
		Entry("without the mobile nine", "551187654321@s.whatsapp.net"),
		Entry("without the country code", "11987654321"),
		Entry("formatted", "+55 (11) 98765-4321"),
	)

	DescribeTable("rejects events it must not accept",
		func(mutate func(ev *service.InboundEvent)) {
			conv := createConversation(nil)
			ev := event("hello")
			mutate(&ev)

			res, err := gate.Receive(ctx, ev)
			Expect(err).To(MatchError(service.ErrRejected))
			Expect(res).To(BeNil())

			msgs, err := stores.Messages().ListByConversation(ctx, conv.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(BeEmpty())
			gate.Wait()
			Expect(producer.Tasks()).To(BeEmpty())
		},
		Entry("self-sent", func(ev *service.InboundEvent) { ev.SelfSent = true }),
		Entry("empty sender", func(ev *service.InboundEvent) { ev.Sender = "  " }),
		Entry("empty text", func(ev *service.InboundEvent) { ev.Text = " \n " }),
		Entry("sender without digits", func(ev *service.InboundEvent) { ev.Sender = "status@broadcast" }),
		Entry("unknown sender", func(ev *service.InboundEvent) { ev.Sender = "5521912345678" }),
	)

	It("ignores conversations that are not chatting", func() {
		createConversation(func(c *model.Conversation) { c.Status = model.ConversationStatusCompleted })

		_, err := gate.Receive(ctx, event("hello"))
		Expect(err).To(MatchError(service.ErrRejected))
	})

	It("routes to the most recently active conversation when several match", func() {
		older := now.Add(-30 * time.Minute)
		newer := now.Add(-5 * time.Minute)
		createConversation(func(c *model.Conversation) { c.LastActivityAt = &older })
		recent := createConversation(func(c *model.Conversation) { c.LastActivityAt = &newer })

		res, err := gate.Receive(ctx, event("hello"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.ConversationID).To(Equal(recent.ID))
	})

	Describe("channel instance tracking", func() {
		It("records the instance when none was known", func() {
			conv := createConversation(func(c *model.Conversation) { c.ChannelInstance = "" })

			res, err := gate.Receive(ctx, event("hello"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.InstanceChanged).To(BeFalse())

			updated, err := stores.Conversations().GetByID(ctx, conv.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.ChannelInstance).To(Equal("inst-a"))
			Expect(updated.State.InstanceChanged).To(BeFalse())
		})

		It("keeps the original instance and writes an audit trail on change", func() {
			conv := createConversation(nil)
			ev := event("hello")
			ev.Instance = "inst-b"

			res, err := gate.Receive(ctx, ev)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.InstanceChanged).To(BeTrue())

			updated, err := stores.Conversations().GetByID(ctx, conv.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.ChannelInstance).To(Equal("inst-a"))
			Expect(updated.State.InstanceChanged).To(BeTrue())
			Expect(updated.State.OriginalChannel).To(Equal("inst-a"))
			Expect(updated.State.NewChannel).To(Equal("inst-b"))
			Expect(updated.State.ChangedAt).NotTo(BeNil())
			Expect(*updated.State.ChangedAt).To(BeTemporally("==", now))
		})

		It("does not stamp the same change twice", func() {
			createConversation(nil)
			ev := event("hello")
			ev.Instance = "inst-b"

			_, err := gate.Receive(ctx, ev)
			Expect(err).NotTo(HaveOccurred())

			now = now.Add(time.Minute)
			res, err := gate.Receive(ctx, ev)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.InstanceChanged).To(BeFalse())
		})
	})

	It("accepts the message even when the trigger cannot be published", func() {
		conv := createConversation(nil)
		producer.err = errors.New("redis down")

		res, err := gate.Receive(ctx, event("hello"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.ConversationID).To(Equal(conv.ID))
		gate.Wait()
		Expect(producer.Tasks()).To(BeEmpty())
	})

	It("forwards the gateway trace id", func() {
		createConversation(nil)
		trace := "4bf92f3577b34da6a3ce929d0e0e4736"
		ev := event("hello")
		ev.TraceID = &trace

		_, err := gate.Receive(ctx, ev)
		Expect(err).NotTo(HaveOccurred())
		gate.Wait()
		Expect(producer.Tasks()).To(HaveLen(1))
		Expect(producer.Tasks()[0].TraceID).To(HaveValue(Equal(trace)))
	})
})
