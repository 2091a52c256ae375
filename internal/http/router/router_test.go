package router_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"parley.app/dialog/internal/brain"
	"parley.app/dialog/internal/http/middleware"
	"parley.app/dialog/internal/http/router"
	"parley.app/dialog/internal/lock"
	"parley.app/dialog/internal/model"
	"parley.app/dialog/internal/queue"
	"parley.app/dialog/internal/service"
	"parley.app/dialog/internal/store"
	"parley.app/dialog/internal/worker"
)

type recordingProducer struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (p *recordingProducer) Publish(_ context.Context, task queue.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

type stubOrchestrator struct{}

func (stubOrchestrator) Process(_ context.Context, id int64, _ string) (brain.Result, error) {
	return brain.Result{ConversationID: id, Outcome: brain.OutcomeNoActionNeeded}, nil
}

type stubSweeper struct{}

func (stubSweeper) SweepOnce(context.Context) (worker.SweepResult, error) {
	return worker.SweepResult{Scanned: 1, Skipped: 1}, nil
}

var _ = Describe("SetupRoutes", func() {
	var (
		engine   *gin.Engine
		stores   *store.Memory
		producer *recordingProducer
		services *service.Services
	)

	do := func(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		stores = store.NewMemory()
		producer = &recordingProducer{}
		services = service.NewServices(service.ServicesConfig{
			Stores:       stores,
			Producer:     producer,
			Locks:        lock.NewManager(stores.Conversations()),
			Orchestrator: stubOrchestrator{},
			Sweeper:      stubSweeper{},
		})
		engine = gin.New()
		router.SetupRoutes(engine, services, router.RouterConfig{
			TraceHeaderName: "X-Trace-Id",
			AdminAPIKey:     "secret",
		})
	})

	It("serves health", func() {
		w := do(http.MethodGet, "/health", "", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
	})

	It("accepts channel messages end to end", func() {
		conv, err := stores.Conversations().Create(context.Background(), &model.Conversation{
			ChannelAddress: "5511987654321",
			Status:         model.ConversationStatusChatting,
		})
		Expect(err).NotTo(HaveOccurred())

		w := do(http.MethodPost, "/webhooks/channel", `{"sender":"5511987654321@s.whatsapp.net","text":"oi"}`, nil)

		Expect(w.Code).To(Equal(http.StatusAccepted))
		services.Drain()
		Expect(producer.tasks).To(HaveLen(1))
		Expect(producer.tasks[0].ConversationID).To(Equal(conv.ID))
	})

	It("answers 200 without a trigger when the sender is missing", func() {
		w := do(http.MethodPost, "/webhooks/channel", `{"sender":"","text":"oi"}`, nil)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(MatchJSON(`{"accepted":false,"reason":"empty sender"}`))
		services.Drain()
		Expect(producer.tasks).To(BeEmpty())
	})

	It("guards admin routes with the API key", func() {
		Expect(do(http.MethodPost, "/admin/sweep", "", nil).Code).To(Equal(http.StatusUnauthorized))

		w := do(http.MethodPost, "/admin/sweep", "", map[string]string{middleware.AdminAPIKeyHeader: "secret"})
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(MatchJSON(`{"scanned":1,"reprocessed":0,"skipped":1,"failed":0}`))
	})

	It("routes unlock and process by conversation id", func() {
		conv, err := stores.Conversations().Create(context.Background(), &model.Conversation{Status: model.ConversationStatusChatting})
		Expect(err).NotTo(HaveOccurred())
		headers := map[string]string{middleware.AdminAPIKeyHeader: "secret"}

		Expect(do(http.MethodPost, "/admin/conversations/"+itoa(conv.ID)+"/unlock", "", headers).Code).To(Equal(http.StatusOK))
		Expect(do(http.MethodPost, "/admin/conversations/"+itoa(conv.ID)+"/process", "", headers).Code).To(Equal(http.StatusOK))
		Expect(do(http.MethodPost, "/admin/conversations/999999/unlock", "", headers).Code).To(Equal(http.StatusNotFound))
	})
})

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
