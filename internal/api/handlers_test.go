package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHealthHandler_ReturnsOk(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", healthHandler(newTestRepo(t)))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "\"OK\":true") {
		t.Errorf("expected a healthy status, got: %s", w.Body.String())
	}
}

func TestListTiersHandler_ReturnsFourTiers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/tiers", listTiersHandler(newTestRepo(t)))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/tiers", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", w.Code, w.Body.String())
	}
	for _, tier := range []string{"working", "warm", "cold", "frozen"} {
		if !strings.Contains(w.Body.String(), tier) {
			t.Errorf("expected tier %q in response, got: %s", tier, w.Body.String())
		}
	}
}

func TestCreateMemoryHandler_RejectsEmptyContent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/memories", createMemoryHandler(newTestRepo(t)))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/memories", strings.NewReader(`{"content":""}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty content, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetMemoryHandler_NotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/memories/:id", getMemoryHandler(newTestRepo(t)))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/memories/does-not-exist", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d: %s", w.Code, w.Body.String())
	}
}
