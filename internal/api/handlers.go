package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"cognitive-memory-engine/internal/engine"
)

// GET /health
func healthHandler(repo *engine.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := repo.Health(c.Request.Context())
		code := http.StatusOK
		if !status.OK {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

// GET /tiers
func listTiersHandler(repo *engine.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tiers": repo.ListTiers()})
	}
}

type createMemoryRequest struct {
	Content         string         `json:"content" binding:"required"`
	Tier            string         `json:"tier"`
	ImportanceScore *float64       `json:"importance_score"`
	Metadata        map[string]any `json:"metadata"`
	ParentID        *string        `json:"parent_id"`
	ExpiresAt       *time.Time     `json:"expires_at"`
}

// POST /memories
func createMemoryHandler(repo *engine.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createMemoryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := repo.Create(c.Request.Context(), engine.CreateRequest{
			Content:         req.Content,
			Tier:            engine.Tier(req.Tier),
			ImportanceScore: req.ImportanceScore,
			Metadata:        req.Metadata,
			ParentID:        req.ParentID,
			ExpiresAt:       req.ExpiresAt,
		})
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, rec)
	}
}

// GET /memories/:id
func getMemoryHandler(repo *engine.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := repo.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

type updateMemoryRequest struct {
	Content         *string        `json:"content"`
	ImportanceScore *float64       `json:"importance_score"`
	Tier            *string        `json:"tier"`
	Metadata        map[string]any `json:"metadata"`
	ExpiresAt       *time.Time     `json:"expires_at"`
}

// PATCH /memories/:id
func updateMemoryHandler(repo *engine.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateMemoryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		patch := engine.UpdatePatch{
			Content:         req.Content,
			ImportanceScore: req.ImportanceScore,
			Metadata:        req.Metadata,
			ExpiresAt:       req.ExpiresAt,
		}
		if req.Tier != nil {
			t := engine.Tier(*req.Tier)
			patch.Tier = &t
		}
		rec, err := repo.Update(c.Request.Context(), c.Param("id"), patch)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// DELETE /memories/:id
func deleteMemoryHandler(repo *engine.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := repo.Delete(c.Request.Context(), c.Param("id")); err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// POST /memories/search
func searchMemoryHandler(repo *engine.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req engine.SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := repo.Search(c.Request.Context(), req)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// POST /admin/purge, admin-gated. Not one of the seven core operations; added
// to give operators a way to reclaim space from soft-deleted records without
// reaching into the database directly.
func purgeMemoryHandler(repo *engine.Repository, defaultRetention time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		retention := defaultRetention
		if q := c.Query("retention_hours"); q != "" {
			if h, err := strconv.Atoi(q); err == nil && h > 0 {
				retention = time.Duration(h) * time.Hour
			}
		}
		n, err := repo.Purge(c.Request.Context(), retention)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"purged": n})
	}
}

func writeEngineError(c *gin.Context, err error) {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	code := http.StatusInternalServerError
	switch ee.Kind {
	case engine.KindNotFound:
		code = http.StatusNotFound
	case engine.KindValidation, engine.KindInvalidParameter, engine.KindInvalidTierTransition, engine.KindSearchBackendContractViolation:
		code = http.StatusBadRequest
	case engine.KindConcurrencyError:
		code = http.StatusConflict
	case engine.KindOperationTimeout, engine.KindBackpressureTimeout:
		code = http.StatusGatewayTimeout
	case engine.KindUnavailable, engine.KindConnectionPool, engine.KindStorageExhausted:
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"error": ee.Error(), "kind": ee.Kind})
}
