package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"parley.app/dialog/internal/brain"
	"parley.app/dialog/internal/http/handler"
	"parley.app/dialog/internal/lock"
	"parley.app/dialog/internal/service"
	"parley.app/dialog/internal/worker"
)

var _ = Describe("AdminHandler", func() {
	var (
		router *gin.Engine
		svc    *mockAdminService
	)

	post := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		svc = &mockAdminService{}
		h := handler.NewAdminHandler(svc)
		router.POST("/admin/sweep", h.Sweep)
		router.POST("/admin/conversations/:id/unlock", h.Unlock)
		router.POST("/admin/conversations/:id/process", h.Process)
	})

	Describe("Unlock", func() {
		It("returns 200 with the unlock result", func() {
			next := time.Date(2026, 3, 2, 10, 0, 2, 0, time.UTC)
			var got int64
			svc.forceUnlockFn = func(_ context.Context, id int64) (lock.ForceClearResult, error) {
				got = id
				return lock.ForceClearResult{Unlocked: true, NextResponseAt: next}, nil
			}

			w := post("/admin/conversations/42/unlock")

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(got).To(Equal(int64(42)))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["unlocked"]).To(BeTrue())
			Expect(resp["next_response_at"]).To(Equal("2026-03-02T10:00:02Z"))
		})

		It("returns 400 for a malformed id", func() {
			w := post("/admin/conversations/abc/unlock")
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for an unknown conversation", func() {
			svc.forceUnlockFn = func(context.Context, int64) (lock.ForceClearResult, error) {
				return lock.ForceClearResult{}, service.ErrConversationNotFound
			}
			w := post("/admin/conversations/9/unlock")
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Sweep", func() {
		It("returns the sweep counts", func() {
			svc.runSweepFn = func(context.Context) (worker.SweepResult, error) {
				return worker.SweepResult{Scanned: 4, Reprocessed: 3, Skipped: 1}, nil
			}

			w := post("/admin/sweep")

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(MatchJSON(`{"scanned":4,"reprocessed":3,"skipped":1,"failed":0}`))
		})

		It("returns 500 when the sweep query fails", func() {
			svc.runSweepFn = func(context.Context) (worker.SweepResult, error) {
				return worker.SweepResult{}, errors.New("db down")
			}
			w := post("/admin/sweep")
			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("Process", func() {
		It("returns the pass outcome", func() {
			svc.runOrchestratorFn = func(_ context.Context, id int64) (brain.Result, error) {
				return brain.Result{ConversationID: id, Outcome: brain.OutcomeResponded, RunID: "run-1", MessagesProcessed: 2}, nil
			}

			w := post("/admin/conversations/7/process")

			Expect(w.Code).To(Equal(http.StatusOK))
			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["outcome"]).To(Equal("responded"))
			Expect(resp["messages_processed"]).To(BeEquivalentTo(2))
			Expect(resp).NotTo(HaveKey("degraded"))
		})

		It("returns 500 when the pass fails", func() {
			svc.runOrchestratorFn = func(context.Context, int64) (brain.Result, error) {
				return brain.Result{}, errors.New("send failed")
			}
			w := post("/admin/conversations/7/process")
			Expect(w.Code).To(Equal(http.StatusInternalServerError))
		})
	})
})
