package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/edgeswarm/edgegate/internal/middleware"
	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/edgeswarm/edgegate/internal/repository"
	"github.com/edgeswarm/edgegate/internal/service"
	"github.com/edgeswarm/edgegate/internal/swarm"
	"github.com/gin-gonic/gin"
)

type approveAllValidator struct{}

func (approveAllValidator) Validate(ctx context.Context, opp *model.Opportunity, gate *model.GateDecision) model.ConsensusResult {
	return model.ConsensusResult{Approved: true, AgreementScore: 1, WeightedConfidence: 0.9, RoundID: "round-t"}
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, opp *model.Opportunity) (string, error) {
	return "rcpt-t", nil
}

func testRouter(t *testing.T) (*gin.Engine, *swarm.Monitor) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	monitor := swarm.NewMonitor(config.SwarmConfig{
		DegradedAfterSeconds:  15,
		UnhealthyAfterSeconds: 45,
		DeadAfterSeconds:      120,
	})
	monitor.Register(model.WorkerScanner, "s1")
	monitor.Register(model.WorkerValidator, "v1")
	monitor.Register(model.WorkerExecutor, "e1")

	cache := repository.NewMemoryThreatCache()
	_ = cache.Put(context.Background(), model.ThreatScore{
		Counterparty: "mint-ok", Score: 10, ComputedAt: time.Now(),
	})
	gate := service.NewThreatGate(config.GateConfig{ScoreCeiling: 70, FreshnessSeconds: 3600}, nil, cache, nil)

	audit, err := service.NewAuditService(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("audit service: %v", err)
	}
	t.Cleanup(audit.Close)

	mgr := service.NewManager(config.LifecycleConfig{
		DefaultDeadlineSeconds: 3600,
		MaxInFlight:            100,
	}, gate, approveAllValidator{}, monitor, noopExecutor{}, monitor.NewBreaker("transport:venue", 3, time.Minute),
		repository.NewMemoryOutcomeRepo(), audit)

	oppHandler := NewOpportunityHandler(mgr)
	swarmHandler := NewSwarmHandler(monitor, audit)

	cfg := &config.Config{Auth: config.AuthConfig{AdminKey: "admin-secret"}}

	router := gin.New()
	router.Use(middleware.ErrorHandler())
	v1 := router.Group("/v1")
	v1.POST("/opportunities", oppHandler.Submit)
	v1.GET("/opportunities", oppHandler.List)
	v1.GET("/opportunities/:id", oppHandler.Get)
	v1.POST("/opportunities/:id/directive", oppHandler.Directive)
	v1.POST("/settlements", oppHandler.Settle)
	v1.GET("/swarm/health", swarmHandler.Health)
	admin := v1.Group("/swarm")
	admin.Use(middleware.AdminMiddleware(cfg))
	admin.POST("/pause", swarmHandler.Pause)
	admin.POST("/resume", swarmHandler.Resume)
	return router, monitor
}

func postJSON(router *gin.Engine, path string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func validCandidate() map[string]any {
	return map[string]any{
		"category":       "price_discrepancy",
		"venue":          "venue-a",
		"mode":           "autonomous",
		"counterparties": []string{"mint-ok"},
		"est_profit":     "120",
		"risk_score":     20,
	}
}

func TestSubmitEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	rec := postJSON(router, "/v1/opportunities", validCandidate(), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var opp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &opp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if opp["id"] == "" || opp["state"] != "detected" {
		t.Fatalf("unexpected response: %v", opp)
	}

	// Duplicate route while the first attempt is live.
	rec2 := postJSON(router, "/v1/opportunities", validCandidate(), nil)
	if rec2.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rec2.Code)
	}
}

func TestSubmitRejectsMalformedPayload(t *testing.T) {
	router, _ := testRouter(t)

	bad := validCandidate()
	bad["mode"] = "yolo"
	rec := postJSON(router, "/v1/opportunities", bad, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	delete(bad, "mode")
	bad["counterparties"] = []string{}
	rec = postJSON(router, "/v1/opportunities", bad, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty counterparties status = %d, want 400", rec.Code)
	}
}

func TestGetUnknownOpportunity(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/opportunities/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	rec := postJSON(router, "/v1/opportunities", validCandidate(), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit failed: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/opportunities?limit=10", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, req)
	if listRec.Code != http.StatusOK {
		t.Fatalf("status = %d", listRec.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
}

func TestSettlementForUnknownOpportunity(t *testing.T) {
	router, _ := testRouter(t)

	rec := postJSON(router, "/v1/settlements", map[string]any{
		"opportunity_id": "nope",
		"success":        true,
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPauseRequiresAdminKey(t *testing.T) {
	router, monitor := testRouter(t)

	rec := postJSON(router, "/v1/swarm/pause", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without admin key", rec.Code)
	}
	if monitor.Paused() {
		t.Fatal("unauthorized request paused the swarm")
	}

	rec = postJSON(router, "/v1/swarm/pause", nil, map[string]string{middleware.HeaderAdminKey: "admin-secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with admin key", rec.Code)
	}
	if !monitor.Paused() {
		t.Fatal("authorized pause did not take effect")
	}

	rec = postJSON(router, "/v1/swarm/resume", nil, map[string]string{middleware.HeaderAdminKey: "admin-secret"})
	if rec.Code != http.StatusOK || monitor.Paused() {
		t.Fatalf("resume failed: status %d paused %v", rec.Code, monitor.Paused())
	}
}

func TestSwarmHealthEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/swarm/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var status model.SwarmStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if status.Overall != "healthy" || len(status.Workers) != 3 {
		t.Fatalf("unexpected status: %+v", status)
	}
}
