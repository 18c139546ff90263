// Package admin exposes read-only HTTP diagnostics over a CacheCore's
// segment index, for operators inspecting cache state in the field.
package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/localcache/segcache/pkg/cache"
)

// core is the narrow surface admin needs from pkg/cache.
type core interface {
	Snapshot() []cache.Snapshot
}

// Handler builds the admin HTTP router.
func Handler(c core) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/segments", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, snapshotsFor(c, ctx.Query("key")))
	})

	r.GET("/segments/:key", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, snapshotsFor(c, ctx.Param("key")))
	})

	r.GET("/segments/:key/:offset", func(ctx *gin.Context) {
		offset, err := strconv.ParseUint(ctx.Param("offset"), 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}

		for _, snap := range snapshotsFor(c, ctx.Param("key")) {
			if snap.Range.Left == offset {
				ctx.JSON(http.StatusOK, snap)
				return
			}
		}
		ctx.JSON(http.StatusNotFound, gin.H{"error": "segment not found"})
	})

	return r
}

func snapshotsFor(c core, key string) []cache.Snapshot {
	all := c.Snapshot()
	if key == "" {
		return all
	}

	filtered := make([]cache.Snapshot, 0, len(all))
	for _, snap := range all {
		if snap.Key.String() == key {
			filtered = append(filtered, snap)
		}
	}
	return filtered
}
