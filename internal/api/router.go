package api

import (
	"github.com/gin-gonic/gin"

	"cognitive-memory-engine/internal/auth"
	"cognitive-memory-engine/internal/config"
	"cognitive-memory-engine/internal/engine"
)

// SetupRouter wires the engine's operations behind JWT auth. Read/write
// operations require a valid bearer token; Purge additionally requires the
// admin role.
func SetupRouter(cfg *config.Config, repo *engine.Repository, harv *engine.Harvester) *gin.Engine {
	r := gin.Default()

	r.GET("/health", healthHandler(repo))

	group := r.Group("/v1")
	group.Use(auth.AuthMiddleware(cfg, false))
	{
		group.GET("/tiers", listTiersHandler(repo))

		group.POST("/memories", createMemoryHandler(repo))
		group.GET("/memories/:id", getMemoryHandler(repo))
		group.PATCH("/memories/:id", updateMemoryHandler(repo))
		group.DELETE("/memories/:id", deleteMemoryHandler(repo))
		group.POST("/memories/search", searchMemoryHandler(repo))

		group.GET("/ws/harvest", wsHarvestHandler(harv))
	}

	admin := r.Group("/v1/admin")
	admin.Use(auth.AuthMiddleware(cfg, true))
	{
		admin.POST("/purge", purgeMemoryHandler(repo, cfg.Engine.PurgeRetention))
	}

	return r
}
