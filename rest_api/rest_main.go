// Package rest_api surfaces the engine over HTTP: record CRUD, enrichment,
// version history, restore, counters and the admin endpoints. Handlers are
// registered in a method map and mounted under /api/v1 behind a bearer-token
// check.
package rest_api

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chronosdb/chronos/in_mongo_s3"
)

// RegisterRecordMethods registers the record and admin endpoints for the
// given engine.
func RegisterRecordMethods(engine *in_mongo_s3.Engine) {
	records := NewRecordsRestApi(engine)
	admin := NewAdminRestApi(engine)

	RegisterMethod(POST, "/records/:collection", records.CreateRecord)
	RegisterMethod(POST, "/records/:collection/query", records.QueryRecords)
	RegisterMethod(POST, "/records/:collection/restore", records.RestoreCollection)
	RegisterMethod(GET_ONE, "/records/:collection/:id", records.GetRecord)
	RegisterMethod(PUT, "/records/:collection/:id", records.UpdateRecord)
	RegisterMethod(DELETE, "/records/:collection/:id", records.DeleteRecord)
	RegisterMethod(POST, "/records/:collection/:id/enrich", records.EnrichRecord)
	RegisterMethod(POST, "/records/:collection/:id/restore", records.RestoreRecord)
	RegisterMethod(GET, "/records/:collection/:id/versions", records.ListRecordVersions)
	RegisterMethod(GET_ONE, "/records/:collection/:id/versions/:ov", records.GetRecordVersion)
	RegisterMethod(GET, "/records/:collection/:id/asof", records.GetRecordAsOf)
	RegisterMethod(DELETE, "/records/:collection/:id/purge", records.PurgeRecord)
	RegisterMethod(GET_ONE, "/requests/:requestId", records.GetRequestStatus)

	RegisterMethod(GET, "/counters/:collection", admin.GetCounters)
	RegisterMethod(GET_ONE, "/counters/:collection/rules/:rule", admin.GetCounterRule)
	RegisterMethod(POST, "/admin/manifests/:collection", admin.WriteManifest)
	RegisterMethod(POST, "/admin/tenants/:tenantId/invalidate", admin.InvalidateTenant)
	RegisterMethod(POST, "/admin/flush", admin.FlushOptimizer)
}

// NewRouter mounts every registered method under /api/v1 behind the bearer
// token check.
func NewRouter() *gin.Engine {

	// Simple closure to for header token verification.
	verifyHeaderToken := func(realHandler func(c *gin.Context)) func(c *gin.Context) {
		return func(c *gin.Context) {
			if verify(c) {
				realHandler(c)
			}
		}
	}

	router := gin.Default()

	v1 := router.Group("/api/v1")
	{
		for _, rm := range RestMethods() {
			switch rm.Verb {
			case GET:
				fallthrough
			case GET_ONE:
				v1.GET(rm.Path, verifyHeaderToken(rm.Handler))
			case DELETE:
				v1.DELETE(rm.Path, verifyHeaderToken(rm.Handler))
			case POST:
				v1.POST(rm.Path, verifyHeaderToken(rm.Handler))
			case PUT:
				v1.PUT(rm.Path, verifyHeaderToken(rm.Handler))
			case PATCH:
				v1.PATCH(rm.Path, verifyHeaderToken(rm.Handler))
			default:
				panic(fmt.Sprintf("HTTP verb %d not supported", rm.Verb))
			}
		}
	}
	return router
}

// Main registers the engine's REST methods, starts the replay worker and
// blocks serving HTTP on addr (":8080" when empty).
func Main(engine *in_mongo_s3.Engine, addr string) error {
	RegisterRecordMethods(engine)
	router := NewRouter()
	engine.Start()
	if addr == "" {
		addr = ":8080"
	}
	return router.Run(addr)
}

// Verify the bearer token in header.
func verify(c *gin.Context) bool {

	// Allow easy debugging on dev.
	if os.Getenv("CHRONOS_ENV") == "DEV" {
		return true
	}

	token := c.Request.Header.Get("Authorization")
	if !strings.HasPrefix(token, "Bearer ") {
		c.String(http.StatusUnauthorized, "Unauthorized")
		return false
	}
	token = strings.TrimPrefix(token, "Bearer ")
	if want := os.Getenv("CHRONOS_API_TOKEN"); want != "" && token == want {
		return true
	}
	c.String(http.StatusForbidden, "Forbidden")
	return false
}
