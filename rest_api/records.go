package rest_api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/fallback"
	"github.com/chronosdb/chronos/in_mongo_s3"
	"github.com/chronosdb/chronos/pipeline"
)

// recordsRestApi surfaces the engine's record operations.
type recordsRestApi struct {
	engine *in_mongo_s3.Engine
}

func NewRecordsRestApi(engine *in_mongo_s3.Engine) *recordsRestApi {
	return &recordsRestApi{engine: engine}
}

// routeFrom assembles the routing context from the request: the collection
// from the path, everything else from query parameters.
func routeFrom(c *gin.Context) chronos.RouteContext {
	route := chronos.RouteContext{
		DBName:       c.Query("dbName"),
		Collection:   c.Param("collection"),
		TenantID:     c.Query("tenantId"),
		Domain:       c.Query("domain"),
		Key:          c.Query("backendKey"),
		DatabaseType: chronos.DatabaseClass(c.Query("databaseType")),
		Tier:         chronos.Tier(c.Query("tier")),
	}
	if v := c.Query("forcedIndex"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			route.ForcedIndex = &i
		}
	}
	return route
}

func writeOptionsFrom(c *gin.Context) pipeline.WriteOptions {
	return pipeline.WriteOptions{
		Actor:      c.Query("actor"),
		Reason:     c.Query("reason"),
		FunctionID: c.Query("functionId"),
		BulkTag:    c.Query("bulkTag"),
	}
}

func requestIDFrom(c *gin.Context) string {
	return c.GetHeader("X-Request-Id")
}

// httpStatus maps the error taxonomy to HTTP statuses.
func httpStatus(code chronos.ErrorCode) int {
	switch code {
	case chronos.ErrValidation:
		return http.StatusBadRequest
	case chronos.ErrNotFound:
		return http.StatusNotFound
	case chronos.ErrOptimisticLock:
		return http.StatusConflict
	case chronos.ErrLockBusy:
		return http.StatusLocked
	case chronos.ErrRoute:
		return http.StatusBadRequest
	case chronos.ErrStorage:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.IndentedJSON(httpStatus(chronos.CodeOf(err)), gin.H{"message": err.Error()})
}

// writeReply renders a wrapped write: completed, parked on the replay queue,
// or failed outright.
func writeReply(c *gin.Context, okStatus int, res fallback.Result) {
	if res.Completed {
		c.IndentedJSON(okStatus, res)
		return
	}
	if res.Queued {
		c.IndentedJSON(http.StatusAccepted, res)
		return
	}
	fail(c, res.Err)
}

func idFrom(c *gin.Context) (chronos.ID, bool) {
	id, err := chronos.ParseID(c.Param("id"))
	if err != nil {
		fail(c, err)
		return chronos.NilID, false
	}
	return id, true
}

func expectedOvFrom(c *gin.Context) (uint64, bool) {
	ov, err := strconv.ParseUint(c.Query("expectedOv"), 10, 64)
	if err != nil {
		fail(c, chronos.Errorf(chronos.ErrValidation, "expectedOv query parameter is required, details: %v", err))
		return 0, false
	}
	return ov, true
}

// CreateRecord handles POST /records/:collection.
func (ra *recordsRestApi) CreateRecord(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, chronos.Errorf(chronos.ErrValidation, "decoding create payload, details: %v", err))
		return
	}
	res := ra.engine.Create(c.Request.Context(), requestIDFrom(c), routeFrom(c), payload, writeOptionsFrom(c))
	writeReply(c, http.StatusCreated, res)
}

// UpdateRecord handles PUT /records/:collection/:id?expectedOv=N.
func (ra *recordsRestApi) UpdateRecord(c *gin.Context) {
	id, ok := idFrom(c)
	if !ok {
		return
	}
	ov, ok := expectedOvFrom(c)
	if !ok {
		return
	}
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, chronos.Errorf(chronos.ErrValidation, "decoding update payload, details: %v", err))
		return
	}
	res := ra.engine.Update(c.Request.Context(), requestIDFrom(c), routeFrom(c), id, payload, ov, writeOptionsFrom(c))
	writeReply(c, http.StatusOK, res)
}

// DeleteRecord handles DELETE /records/:collection/:id?expectedOv=N. Writes a
// tombstone version; history stays readable.
func (ra *recordsRestApi) DeleteRecord(c *gin.Context) {
	id, ok := idFrom(c)
	if !ok {
		return
	}
	ov, ok := expectedOvFrom(c)
	if !ok {
		return
	}
	res := ra.engine.Delete(c.Request.Context(), requestIDFrom(c), routeFrom(c), id, ov, writeOptionsFrom(c))
	writeReply(c, http.StatusOK, res)
}

// EnrichRecord handles POST /records/:collection/:id/enrich with a JSON array
// of patches.
func (ra *recordsRestApi) EnrichRecord(c *gin.Context) {
	id, ok := idFrom(c)
	if !ok {
		return
	}
	var patches []map[string]any
	if err := c.ShouldBindJSON(&patches); err != nil {
		fail(c, chronos.Errorf(chronos.ErrValidation, "decoding enrich patches, details: %v", err))
		return
	}
	res := ra.engine.Enrich(c.Request.Context(), requestIDFrom(c), routeFrom(c), id, patches, writeOptionsFrom(c))
	writeReply(c, http.StatusOK, res)
}

// restoreBody selects the restore target: exactly one of ov, cv or at.
type restoreBody struct {
	OV *uint64    `json:"ov,omitempty"`
	CV *uint64    `json:"cv,omitempty"`
	At *time.Time `json:"at,omitempty"`
}

func (b restoreBody) target() pipeline.RestoreTarget {
	return pipeline.RestoreTarget{OV: b.OV, CV: b.CV, At: b.At}
}

// RestoreRecord handles POST /records/:collection/:id/restore.
func (ra *recordsRestApi) RestoreRecord(c *gin.Context) {
	id, ok := idFrom(c)
	if !ok {
		return
	}
	var body restoreBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, chronos.Errorf(chronos.ErrValidation, "decoding restore target, details: %v", err))
		return
	}
	res := ra.engine.Restore(c.Request.Context(), requestIDFrom(c), routeFrom(c), id, body.target(), writeOptionsFrom(c))
	writeReply(c, http.StatusOK, res)
}

// RestoreCollection handles POST /records/:collection/restore: a point-in-time
// rollback of every record. Runs synchronously.
func (ra *recordsRestApi) RestoreCollection(c *gin.Context) {
	var body restoreBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, chronos.Errorf(chronos.ErrValidation, "decoding restore target, details: %v", err))
		return
	}
	res, err := ra.engine.RestoreCollection(c.Request.Context(), routeFrom(c), body.target(), writeOptionsFrom(c))
	if err != nil {
		fail(c, err)
		return
	}
	reply := gin.H{"itemsRestored": res.ItemsRestored}
	if res.FirstFailure != nil {
		reply["firstFailure"] = res.FirstFailure.Error()
		c.IndentedJSON(http.StatusMultiStatus, reply)
		return
	}
	c.IndentedJSON(http.StatusOK, reply)
}

// GetRecord handles GET /records/:collection/:id. Query flags: payload,
// presign, projection (comma-separated), presignTtlSeconds.
func (ra *recordsRestApi) GetRecord(c *gin.Context) {
	id, ok := idFrom(c)
	if !ok {
		return
	}
	opts := pipeline.ReadOptions{
		IncludePayload: c.Query("payload") == "true",
		Presign:        c.Query("presign") == "true",
	}
	if v := c.Query("presignTtlSeconds"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			opts.PresignTTL = time.Duration(ttl) * time.Second
		}
	}
	if v := c.Query("projection"); v != "" {
		opts.Projection = splitCSV(v)
	}
	rec, err := ra.engine.GetLatest(c.Request.Context(), routeFrom(c), id, opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, rec)
}

// GetRecordVersion handles GET /records/:collection/:id/versions/:ov.
func (ra *recordsRestApi) GetRecordVersion(c *gin.Context) {
	id, ok := idFrom(c)
	if !ok {
		return
	}
	ov, err := strconv.ParseUint(c.Param("ov"), 10, 64)
	if err != nil {
		fail(c, chronos.Errorf(chronos.ErrValidation, "bad version number %q", c.Param("ov")))
		return
	}
	rec, err := ra.engine.GetVersion(c.Request.Context(), routeFrom(c), id, ov)
	if err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, rec)
}

// GetRecordAsOf handles GET /records/:collection/:id/asof?at=RFC3339.
func (ra *recordsRestApi) GetRecordAsOf(c *gin.Context) {
	id, ok := idFrom(c)
	if !ok {
		return
	}
	at, err := time.Parse(time.RFC3339, c.Query("at"))
	if err != nil {
		fail(c, chronos.Errorf(chronos.ErrValidation, "bad at instant, details: %v", err))
		return
	}
	rec, err := ra.engine.GetAsOf(c.Request.Context(), routeFrom(c), id, at)
	if err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, rec)
}

// ListRecordVersions handles GET /records/:collection/:id/versions.
func (ra *recordsRestApi) ListRecordVersions(c *gin.Context) {
	id, ok := idFrom(c)
	if !ok {
		return
	}
	limit := int64(100)
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			limit = n
		}
	}
	vers, err := ra.engine.ListVersions(c.Request.Context(), routeFrom(c), id, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, vers)
}

type queryBody struct {
	Filter  map[string]any `json:"filter,omitempty"`
	Limit   int64          `json:"limit,omitempty"`
	AfterID string         `json:"afterId,omitempty"`
	Sort    map[string]int `json:"sort,omitempty"`
}

// QueryRecords handles POST /records/:collection/query: a metadata filter
// over the indexed projection with cursor pagination.
func (ra *recordsRestApi) QueryRecords(c *gin.Context) {
	var body queryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, chronos.Errorf(chronos.ErrValidation, "decoding query, details: %v", err))
		return
	}
	q := pipeline.ListQuery{Filter: body.Filter, Limit: body.Limit, Sort: body.Sort}
	if body.AfterID != "" {
		after, err := chronos.ParseID(body.AfterID)
		if err != nil {
			fail(c, err)
			return
		}
		q.AfterID = after
	}
	heads, err := ra.engine.ListByMeta(c.Request.Context(), routeFrom(c), q)
	if err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, heads)
}

// PurgeRecord handles DELETE /records/:collection/:id/purge?confirm=...: the
// irreversible physical removal of a record and its history.
func (ra *recordsRestApi) PurgeRecord(c *gin.Context) {
	id, ok := idFrom(c)
	if !ok {
		return
	}
	if err := ra.engine.HardDelete(c.Request.Context(), routeFrom(c), id, c.Query("confirm")); err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"purged": id.String()})
}

// GetRequestStatus handles GET /requests/:requestId.
func (ra *recordsRestApi) GetRequestStatus(c *gin.Context) {
	st, err := ra.engine.GetStatus(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, st)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
