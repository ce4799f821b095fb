package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"perfwatch/internal/abtest"
	"perfwatch/internal/clock"
	"perfwatch/internal/engine"
	"perfwatch/internal/errors"
	"perfwatch/internal/logger"
	"perfwatch/internal/types"
)

// Handlers adapts HTTP requests onto engine calls.
type Handlers struct {
	engine *engine.Engine
	log    logger.Logger
}

// NewHandlers creates the handler set for e.
func NewHandlers(e *engine.Engine, log logger.Logger) *Handlers {
	return &Handlers{engine: e, log: log}
}

// Ingest accepts a batch of events. Rejected events are counted by the
// engine's quality counters, not reported per event.
func (h *Handlers) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if h.engine.Stopped() {
		fail(c, h.log, errors.ErrEngineStopped)
		return
	}

	now := clock.NowMs(h.engine.Clock())
	var resp IngestResponse
	for _, ev := range req.Events {
		if ev.Data.Timestamp == 0 {
			ev.Data.Timestamp = now
		}
		if h.engine.Ingest(ev.EventType, ev.Data) {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
	}
	ok(c, resp)
}

// BeginTimer starts a duration measurement.
func (h *Handlers) BeginTimer(c *gin.Context) {
	var req TimerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.engine.BeginTimer(req.Scope, req.ID, req.Context)
	ok(c, gin.H{"scope": req.Scope, "id": req.ID})
}

// EndTimer completes a measurement; unknown or expired timers are 404.
func (h *Handlers) EndTimer(c *gin.Context) {
	var req TimerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !h.engine.EndTimer(req.Scope, req.ID, req.Extra) {
		fail(c, h.log, errors.NotFound("timer", req.Scope+"/"+req.ID))
		return
	}
	ok(c, gin.H{"scope": req.Scope, "id": req.ID})
}

// Snapshot returns the dashboard view.
func (h *Handlers) Snapshot(c *gin.Context) {
	ok(c, h.engine.Snapshot())
}

// Aggregates returns bucket views for a level.
func (h *Handlers) Aggregates(c *gin.Context) {
	since, err := queryInt(c, "since")
	if err != nil {
		badRequest(c, err)
		return
	}
	views, err := h.engine.Aggregates(c.Param("level"), c.Query("eventType"), since)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	ok(c, views)
}

// Segments returns per-segment performance, filtered by any of device,
// network, region, and userType.
func (h *Handlers) Segments(c *gin.Context) {
	var filter *types.Segment
	seg := types.Segment{
		Device:   c.Query("device"),
		Network:  c.Query("network"),
		Region:   c.Query("region"),
		UserType: c.Query("userType"),
	}
	if seg != (types.Segment{}) {
		filter = &seg
	}
	ok(c, h.engine.SegmentPerformance(filter))
}

// Bottlenecks ranks metrics above their warning threshold.
func (h *Handlers) Bottlenecks(c *gin.Context) {
	list, err := h.engine.Bottlenecks(c.Query("eventType"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	ok(c, list)
}

// Predictions projects minute-level trends.
func (h *Handlers) Predictions(c *gin.Context) {
	list, err := h.engine.Predictions(c.Query("eventType"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	ok(c, list)
}

func (h *Handlers) Recommendations(c *gin.Context) {
	ok(c, h.engine.Recommendations())
}

func (h *Handlers) Quality(c *gin.Context) {
	ok(c, h.engine.Quality())
}

func (h *Handlers) Tasks(c *gin.Context) {
	ok(c, h.engine.Tasks())
}

// SetContext updates the competitive flag and the threshold mode.
func (h *Handlers) SetContext(c *gin.Context) {
	var req ContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Competitive != nil {
		h.engine.SetCompetitive(*req.Competitive)
	}
	if req.ThresholdMode != "" {
		if err := h.engine.AdjustThresholds(req.ThresholdMode); err != nil {
			fail(c, h.log, err)
			return
		}
	}
	ok(c, h.engine.Snapshot().Context)
}

// ABResults returns one test's analysis when :id is set, else all.
func (h *Handlers) ABResults(c *gin.Context) {
	results, err := h.engine.ABResults(c.Param("id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	ok(c, results)
}

// RegisterABTest adds an experiment.
func (h *Handlers) RegisterABTest(c *gin.Context) {
	var req ABTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := h.engine.RegisterABTest(abtest.Test{
		ID:          req.ID,
		Variants:    req.Variants,
		SampleRatio: req.SampleRatio,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Targeting:   req.Targeting,
	})
	if err != nil {
		fail(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Data: t})
}

func (h *Handlers) ActiveAlerts(c *gin.Context) {
	ok(c, h.engine.ActiveAlerts())
}

// AlertHistory returns resolved alerts, optionally of one type.
func (h *Handlers) AlertHistory(c *gin.Context) {
	ok(c, h.engine.AlertHistory(c.Query("type")))
}

func (h *Handlers) GetAlert(c *gin.Context) {
	a, err := h.engine.GetAlert(c.Param("id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	ok(c, a)
}

func (h *Handlers) Acknowledge(c *gin.Context) {
	var req AlertActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a, err := h.engine.Acknowledge(c.Param("id"), req.By)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	ok(c, a)
}

func (h *Handlers) Resolve(c *gin.Context) {
	var req AlertActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a, err := h.engine.Resolve(c.Param("id"), req.Reason, req.By)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	ok(c, a)
}

func queryInt(c *gin.Context, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.NewAppErrorWithDetails(errors.ErrCodeValidationFailed, "invalid query parameter", key+": "+err.Error(), nil)
	}
	return v, nil
}
