// Package http 暴露通信管理器的运维与调试 REST 接口：
// 服务注册表、saga 编排、事件存储、审计与追踪查询。
package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/servicekit/internal/eventstore"
	"github.com/wyfcoding/servicekit/internal/manager"
	"github.com/wyfcoding/servicekit/internal/registry"
	"github.com/wyfcoding/servicekit/internal/saga"
	"github.com/wyfcoding/servicekit/internal/tracing"
)

// Handler HTTP 处理器
type Handler struct {
	mgr    *manager.Manager
	traces *tracing.Collector
}

// NewHandler 创建 HTTP 处理器。traces 仅在内存导出器下非空，
// 其余导出器下追踪查询接口返回 503。
func NewHandler(mgr *manager.Manager, traces *tracing.Collector) *Handler {
	return &Handler{
		mgr:    mgr,
		traces: traces,
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/stats", h.Stats)

		api.GET("/services", h.ListServices)
		api.POST("/services", h.RegisterInstance)
		api.GET("/services/:name", h.ServiceStats)
		api.GET("/services/:name/instances", h.ListInstances)
		api.PUT("/services/:name/instances/:id/heartbeat", h.Heartbeat)
		api.PUT("/services/:name/instances/:id/status", h.UpdateInstanceStatus)
		api.DELETE("/services/:name/instances/:id", h.DeregisterInstance)
		api.POST("/services/:name/monitor", h.StartMonitoring)
		api.DELETE("/services/:name/monitor", h.StopMonitoring)

		api.POST("/sagas", h.CreateSaga)
		api.GET("/sagas", h.ListSagas)
		api.GET("/sagas/:id", h.GetSaga)
		api.POST("/sagas/:id/execute", h.ExecuteSaga)
		api.POST("/sagas/:id/compensate", h.CompensateSaga)

		api.POST("/aggregates/:id/events", h.AppendEvents)
		api.GET("/aggregates/:id/events", h.LoadEvents)

		api.POST("/messages/:service", h.SendMessage)
		api.POST("/events", h.PublishEvent)

		api.GET("/audit/:resource", h.AuditTrail)
		api.GET("/alerts", h.ActiveAlerts)
		api.GET("/traces/:id", h.Trace)
	}
}

// Stats 输出全量运行状态快照
func (h *Handler) Stats(c *gin.Context) {
	data, err := h.mgr.Export(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// ListServices 列出全部已注册服务
func (h *Handler) ListServices(c *gin.Context) {
	c.JSON(http.StatusOK, h.mgr.Registry().GetAllServices(c.Request.Context()))
}

// RegisterInstance 注册服务实例
func (h *Handler) RegisterInstance(c *gin.Context) {
	var inst registry.ServiceInstance
	if err := c.ShouldBindJSON(&inst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.mgr.Registry().Register(c.Request.Context(), &inst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// ServiceStats 单个服务的聚合视图
func (h *Handler) ServiceStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.mgr.GetServiceStats(c.Request.Context(), c.Param("name")))
}

// ListInstances 列出服务实例
func (h *Handler) ListInstances(c *gin.Context) {
	c.JSON(http.StatusOK, h.mgr.Registry().GetInstances(c.Request.Context(), c.Param("name")))
}

// Heartbeat 实例心跳续约
func (h *Handler) Heartbeat(c *gin.Context) {
	err := h.mgr.Registry().Heartbeat(c.Request.Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrInstanceNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// UpdateStatusRequest 实例状态变更请求
type UpdateStatusRequest struct {
	Status registry.InstanceStatus `json:"status" binding:"required"`
}

// UpdateInstanceStatus 变更实例状态
func (h *Handler) UpdateInstanceStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.mgr.Registry().UpdateInstanceStatus(c.Request.Context(), c.Param("name"), c.Param("id"), req.Status)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrInstanceNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DeregisterInstance 注销服务实例
func (h *Handler) DeregisterInstance(c *gin.Context) {
	err := h.mgr.Registry().Deregister(c.Request.Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrInstanceNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StartMonitoring 将服务纳入健康巡检
func (h *Handler) StartMonitoring(c *gin.Context) {
	h.mgr.StartMonitoring(c.Param("name"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StopMonitoring 停止健康巡检
func (h *Handler) StopMonitoring(c *gin.Context) {
	h.mgr.StopMonitoring(c.Param("name"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateSaga 创建 saga
func (h *Handler) CreateSaga(c *gin.Context) {
	var def saga.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.mgr.CreateSaga(c.Request.Context(), def)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, s)
}

// ListSagas 列出 saga，支持 status 过滤
func (h *Handler) ListSagas(c *gin.Context) {
	status := saga.Status(c.Query("status"))
	c.JSON(http.StatusOK, h.mgr.Sagas().List(c.Request.Context(), status))
}

// GetSaga 查询 saga
func (h *Handler) GetSaga(c *gin.Context) {
	s, err := h.mgr.GetSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(sagaErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s)
}

// ExecuteSaga 执行 saga 正向步骤。步骤失败时仍返回 200，
// saga 的 FAILED 状态与失败原因在响应体内。
func (h *Handler) ExecuteSaga(c *gin.Context) {
	s, err := h.mgr.ExecuteSaga(c.Request.Context(), c.Param("id"))
	if err != nil && s == nil {
		c.JSON(sagaErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s)
}

// CompensateSaga 触发补偿
func (h *Handler) CompensateSaga(c *gin.Context) {
	s, err := h.mgr.CompensateSaga(c.Request.Context(), c.Param("id"))
	if err != nil && s == nil {
		c.JSON(sagaErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s)
}

func sagaErrStatus(err error) int {
	switch {
	case errors.Is(err, saga.ErrSagaNotFound):
		return http.StatusNotFound
	case errors.Is(err, saga.ErrSagaTerminal),
		errors.Is(err, saga.ErrSagaActive),
		errors.Is(err, saga.ErrSagaNotStarted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// AppendEventsRequest 事件追加请求
type AppendEventsRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
	Events          []struct {
		Type    string         `json:"type" binding:"required"`
		Payload map[string]any `json:"payload"`
	} `json:"events" binding:"required,min=1"`
}

// AppendEvents 以乐观并发控制追加领域事件
func (h *Handler) AppendEvents(c *gin.Context) {
	aggregateID := c.Param("id")

	var req AppendEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events := make([]*eventstore.DomainEvent, 0, len(req.Events))
	for _, e := range req.Events {
		ev, err := eventstore.NewEvent(e.Type, e.Payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		events = append(events, ev)
	}

	if err := h.mgr.AppendEvents(c.Request.Context(), aggregateID, req.ExpectedVersion, events); err != nil {
		var conflict *eventstore.ConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, gin.H{
				"error":    err.Error(),
				"expected": conflict.Expected,
				"actual":   conflict.Actual,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "ok", "version": req.ExpectedVersion + int64(len(events))})
}

// LoadEvents 按版本读取事件流，支持 after_version 查询参数
func (h *Handler) LoadEvents(c *gin.Context) {
	afterVersion, err := strconv.ParseInt(c.DefaultQuery("after_version", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after_version"})
		return
	}

	events, err := h.mgr.LoadEvents(c.Request.Context(), c.Param("id"), afterVersion)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

// SendMessageRequest 异步消息请求
type SendMessageRequest struct {
	Payload map[string]any `json:"payload" binding:"required"`
}

// SendMessage 向目标服务发送异步消息
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.mgr.SendAsyncMessage(c.Request.Context(), c.Param("service"), req.Payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

// PublishEventRequest 事件广播请求
type PublishEventRequest struct {
	Type    string         `json:"type" binding:"required"`
	Payload map[string]any `json:"payload"`
}

// PublishEvent 向所有订阅者广播事件
func (h *Handler) PublishEvent(c *gin.Context) {
	var req PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.mgr.PublishEvent(c.Request.Context(), req.Type, req.Payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "published"})
}

// AuditTrail 查询资源的完整审计轨迹
func (h *Handler) AuditTrail(c *gin.Context) {
	entries, err := h.mgr.AuditTrailOf(c.Request.Context(), c.Param("resource"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// ActiveAlerts 当前处于触发状态的告警
func (h *Handler) ActiveAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, h.mgr.Alerts().ActiveAlerts())
}

// Trace 查询单条 trace 的 span 树
func (h *Handler) Trace(c *gin.Context) {
	if h.traces == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trace query requires the memory exporter"})
		return
	}

	tree := h.traces.TraceTree(c.Param("id"))
	if len(tree) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace_id": c.Param("id"), "spans": tree, "queried_at": time.Now().UTC()})
}
