package rest_api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chronosdb/chronos/in_mongo_s3"
)

// adminRestApi surfaces counters, manifests and router administration.
type adminRestApi struct {
	engine *in_mongo_s3.Engine
}

func NewAdminRestApi(engine *in_mongo_s3.Engine) *adminRestApi {
	return &adminRestApi{engine: engine}
}

// GetCounters handles GET /counters/:collection: the lifetime totals for the
// routed collection.
func (ra *adminRestApi) GetCounters(c *gin.Context) {
	totals, err := ra.engine.Totals(c.Request.Context(), routeFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, totals)
}

// GetCounterRule handles GET /counters/:collection/rules/:rule: the fire
// tally of one counting rule plus its per-property distinct-value tallies.
func (ra *adminRestApi) GetCounterRule(c *gin.Context) {
	rule := c.Param("rule")
	count, err := ra.engine.ScenarioCount(c.Request.Context(), routeFrom(c), rule)
	if err != nil {
		fail(c, err)
		return
	}
	unique, err := ra.engine.UniqueCounts(c.Request.Context(), routeFrom(c), rule)
	if err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"rule": rule, "count": count, "unique": unique})
}

// WriteManifest handles POST /admin/manifests/:collection: snapshots the head
// index into the backups bucket.
func (ra *adminRestApi) WriteManifest(c *gin.Context) {
	key, err := ra.engine.WriteManifest(c.Request.Context(), routeFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"manifestKey": key})
}

// InvalidateTenant handles POST /admin/tenants/:tenantId/invalidate: drops
// the cached dynamic-tenant resolution so the next request re-resolves.
func (ra *adminRestApi) InvalidateTenant(c *gin.Context) {
	tenantID := c.Param("tenantId")
	ra.engine.Router().InvalidateTenant(tenantID)
	c.IndentedJSON(http.StatusOK, gin.H{"invalidated": tenantID})
}

// FlushOptimizer handles POST /admin/flush: forces pending blob batches and
// debounced counter work out. Meant for drain hooks before a deploy.
func (ra *adminRestApi) FlushOptimizer(c *gin.Context) {
	ra.engine.Flush(c.Request.Context())
	c.IndentedJSON(http.StatusOK, gin.H{"flushed": true})
}
