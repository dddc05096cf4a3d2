package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rufaromugabe/spotfi-sub000/internal/accounting"
	"github.com/rufaromugabe/spotfi-sub000/internal/config"
	"github.com/rufaromugabe/spotfi-sub000/internal/db"
	"github.com/rufaromugabe/spotfi-sub000/internal/disconnect"
	"github.com/rufaromugabe/spotfi-sub000/internal/models"
	"github.com/rufaromugabe/spotfi-sub000/internal/quota"
	"gorm.io/gorm"
)

const testJWTSecret = "admin-secret"

func setupEngine(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "admin.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	engine := gin.New()
	RegisterAdminRoutes(engine, Deps{
		DB:                conn,
		JWT:               config.JWTConfig{Secret: testJWTSecret, Expiry: time.Hour},
		Queue:             disconnect.NewQueue(conn, time.Minute, nil),
		RouterTokenSecret: "router-secret",
	})
	return engine, conn
}

func doRequest(engine *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func issue(t *testing.T, perms []string, super bool) string {
	t.Helper()
	token, err := IssueAdminToken(testJWTSecret, "ops", perms, super, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestHealthz(t *testing.T) {
	engine, _ := setupEngine(t)
	if w := doRequest(engine, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAdminRoutes_RequireTokenAndPermission(t *testing.T) {
	engine, _ := setupEngine(t)
	if w := doRequest(engine, http.MethodGet, "/v0/admin/disconnects", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := doRequest(engine, http.MethodGet, "/v0/admin/disconnects", "garbage"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}
	limited := issue(t, []string{"GET /v0/admin/disconnects", "GET /v0/admin/bogus"}, false)
	if w := doRequest(engine, http.MethodGet, "/v0/admin/disconnects", limited); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with permission, got %d", w.Code)
	}
	if w := doRequest(engine, http.MethodGet, "/v0/admin/routers", limited); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without permission, got %d", w.Code)
	}
}

func TestUsage_ReportsCounterAndCeiling(t *testing.T) {
	engine, conn := setupEngine(t)
	limit := int64(10 << 20)
	plan := models.Plan{Name: "10MB", DataQuota: &limit, ValidityDays: 30, IsEnabled: true}
	if err := conn.Create(&plan).Error; err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if err := conn.Create(&models.UserPlanAssignment{Username: "alice", PlanID: plan.ID, Status: models.AssignmentStatusActive}).Error; err != nil {
		t.Fatalf("assign: %v", err)
	}
	store := accounting.NewStore(conn, nil, []accounting.Hook{quota.Folder{}})
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := store.Write(ctx, accounting.Record{Status: accounting.StatusStop, SessionID: "a1", Username: "alice", BytesIn: 4 << 20, StartedAt: now.Add(-time.Second), EventTime: now}); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := doRequest(engine, http.MethodGet, "/v0/admin/usage/alice?verify=true", issue(t, nil, true))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		TotalBytes        int64  `json:"total_bytes"`
		CeilingBytes      *int64 `json:"ceiling_bytes"`
		Exceeded          bool   `json:"exceeded"`
		CounterConsistent bool   `json:"counter_consistent"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TotalBytes != 4<<20 || body.CeilingBytes == nil || *body.CeilingBytes != limit || body.Exceeded || !body.CounterConsistent {
		t.Fatalf("unexpected usage body %s", w.Body.String())
	}
}

func TestRouterToken_Issue(t *testing.T) {
	engine, conn := setupEngine(t)
	if err := conn.Create(&models.Router{ID: "rtr-1", Name: "lobby", Status: models.RouterStatusOffline}).Error; err != nil {
		t.Fatalf("create router: %v", err)
	}
	super := issue(t, nil, true)
	if w := doRequest(engine, http.MethodPost, "/v0/admin/routers/rtr-1/token", super); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := doRequest(engine, http.MethodPost, "/v0/admin/routers/missing/token", super); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
