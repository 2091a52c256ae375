package queue_test

import (
	"context"
	"errors"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"parley.app/dialog/internal/queue"
)

var _ = Describe("ParseMessage", func() {
	DescribeTable("validates stream entries",
		func(values map[string]any, wantErr bool, want queue.Message) {
			msg, err := queue.ParseMessage(redis.XMessage{ID: "1-0", Values: values})
			if wantErr {
				Expect(err).To(HaveOccurred())
				return
			}
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.TaskType).To(Equal(want.TaskType))
			Expect(msg.ConversationID).To(Equal(want.ConversationID))
			Expect(msg.Source).To(Equal(want.Source))
			Expect(msg.Attempt).To(Equal(want.Attempt))
		},
		Entry("full entry",
			map[string]any{"task_type": "conversation_touched", "conversation_id": "42", "source": "inbound", "attempt": "2"},
			false, queue.Message{TaskType: queue.TaskTypeConversationTouched, ConversationID: 42, Source: "inbound", Attempt: 2}),
		Entry("defaults task type and attempt",
			map[string]any{"conversation_id": "7"},
			false, queue.Message{TaskType: queue.TaskTypeConversationTouched, ConversationID: 7, Attempt: 1}),
		Entry("missing conversation", map[string]any{"task_type": "conversation_touched"}, true, queue.Message{}),
		Entry("non numeric conversation", map[string]any{"conversation_id": "abc"}, true, queue.Message{}),
		Entry("zero conversation", map[string]any{"conversation_id": "0"}, true, queue.Message{}),
		Entry("unknown task type", map[string]any{"conversation_id": "1", "task_type": "repo_sync"}, true, queue.Message{}),
	)
})

var _ = Describe("Redis stream", func() {
	var (
		ctx      context.Context
		mr       *miniredis.Miniredis
		client   *redis.Client
		producer queue.Producer
		consumer *queue.RedisConsumer
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})

		producer = queue.NewRedisProducer(client, "dialog_triggers", nil)
		consumer, err = queue.NewRedisConsumer(ctx, client, queue.ConsumerConfig{
			Stream:    "dialog_triggers",
			Group:     "dialog_workers",
			Consumer:  "worker-1",
			DLQStream: "dialog_triggers_dlq",
			BatchSize: 10,
			Block:     -1,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = client.Close()
		mr.Close()
	})

	It("is idempotent about group creation", func() {
		_, err := queue.NewRedisConsumer(ctx, client, consumer.Config())
		Expect(err).NotTo(HaveOccurred())
	})

	It("delivers published tasks to the group", func() {
		trace := "abc123"
		Expect(producer.Publish(ctx, queue.Task{ConversationID: 11, Source: queue.SourceInbound, TraceID: &trace})).To(Succeed())

		msgs, err := consumer.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].ConversationID).To(Equal(int64(11)))
		Expect(msgs[0].Source).To(Equal("inbound"))
		Expect(msgs[0].TraceID).To(Equal("abc123"))
		Expect(msgs[0].Attempt).To(Equal(1))

		Expect(consumer.Ack(ctx, msgs[0])).To(Succeed())
		pending, err := client.XPending(ctx, "dialog_triggers", "dialog_workers").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending.Count).To(BeZero())
	})

	It("requeues with the next attempt", func() {
		Expect(producer.Publish(ctx, queue.Task{ConversationID: 5, Source: queue.SourceSweep})).To(Succeed())
		msgs, err := consumer.Read(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(consumer.Requeue(ctx, msgs[0], "send failed")).To(Succeed())

		msgs, err = consumer.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Attempt).To(Equal(2))
		Expect(msgs[0].Raw.Values).To(HaveKeyWithValue("last_error", "send failed"))
	})

	It("moves dead messages to the DLQ", func() {
		Expect(producer.Publish(ctx, queue.Task{ConversationID: 9})).To(Succeed())
		msgs, err := consumer.Read(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(consumer.SendDLQ(ctx, msgs[0], "boom")).To(Succeed())

		entries, err := client.XRange(ctx, "dialog_triggers_dlq", "-", "+").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Values).To(HaveKeyWithValue("error", "boom"))
		Expect(entries[0].Values).To(HaveKeyWithValue("conversation_id", "9"))
	})

	It("acks and drops unparseable entries", func() {
		Expect(client.XAdd(ctx, &redis.XAddArgs{Stream: "dialog_triggers", Values: map[string]any{"garbage": "1"}}).Err()).To(Succeed())

		msgs, err := consumer.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(BeEmpty())

		pending, err := client.XPending(ctx, "dialog_triggers", "dialog_workers").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending.Count).To(BeZero())
	})

	Describe("RedisScheduler", func() {
		var scheduler *queue.RedisScheduler

		BeforeEach(func() {
			scheduler = queue.NewRedisScheduler(client, "dialog_scheduled_triggers", producer)
		})

		It("publishes only due tasks, once", func() {
			now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
			Expect(scheduler.Schedule(ctx, queue.Task{ConversationID: 1, Source: queue.SourceScheduled}, now.Add(-time.Second))).To(Succeed())
			Expect(scheduler.Schedule(ctx, queue.Task{ConversationID: 2, Source: queue.SourceScheduled}, now.Add(time.Minute))).To(Succeed())

			n, err := scheduler.Pump(ctx, now, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			n, err = scheduler.Pump(ctx, now, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())

			msgs, err := consumer.Read(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].ConversationID).To(Equal(int64(1)))
			Expect(msgs[0].Source).To(Equal(queue.SourceScheduled))

			n, err = scheduler.Pump(ctx, now.Add(2*time.Minute), 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})

		It("keeps the earliest due time when rescheduled", func() {
			now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
			task := queue.Task{ConversationID: 3, Source: queue.SourceFollowUp}
			Expect(scheduler.Schedule(ctx, task, now.Add(time.Minute))).To(Succeed())
			Expect(scheduler.Schedule(ctx, task, now.Add(10*time.Second))).To(Succeed())
			Expect(scheduler.Schedule(ctx, task, now.Add(time.Hour))).To(Succeed())

			Expect(client.ZCard(ctx, "dialog_scheduled_triggers").Val()).To(Equal(int64(1)))
			score := client.ZScore(ctx, "dialog_scheduled_triggers", "3|follow_up").Val()
			Expect(int64(score)).To(Equal(now.Add(10 * time.Second).UnixMilli()))

			n, err := scheduler.Pump(ctx, now.Add(10*time.Second), 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})

		It("puts a task back when publishing fails", func() {
			now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
			failing := queue.NewRedisScheduler(client, "dialog_scheduled_triggers", failingProducer{})
			task := queue.Task{ConversationID: 4, Source: queue.SourceFollowUp}
			Expect(failing.Schedule(ctx, task, now.Add(-time.Second))).To(Succeed())

			n, err := failing.Pump(ctx, now, 0)
			Expect(err).To(MatchError(ContainSubstring("stream unavailable")))
			Expect(n).To(BeZero())

			score, err := client.ZScore(ctx, "dialog_scheduled_triggers", "4|follow_up").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(int64(score)).To(Equal(now.Add(-time.Second).UnixMilli()))

			n, err = scheduler.Pump(ctx, now, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})
	})

	Describe("RedisScorer", func() {
		It("appends a scoring task", func() {
			scorer := queue.NewRedisScorer(client, "dialog_scoring")
			Expect(scorer.GenerateMetrics(ctx, 77)).To(Succeed())

			entries, err := client.XRange(ctx, "dialog_scoring", "-", "+").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Values).To(HaveKeyWithValue("task_type", "score_conversation"))
			Expect(entries[0].Values).To(HaveKeyWithValue("conversation_id", "77"))
		})
	})
})

type failingProducer struct{}

func (failingProducer) Publish(context.Context, queue.Task) error {
	return errors.New("stream unavailable")
}

func (failingProducer) Close() error { return nil }
