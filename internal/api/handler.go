// Package api is the admin HTTP surface of a rule engine node.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rulecore/internal/chainsync"
	"rulecore/internal/constants"
	"rulecore/internal/engine"
	"rulecore/internal/logger"
	"rulecore/internal/partition"
	"rulecore/internal/store"
	"rulecore/pkg/cel"
	"rulecore/pkg/errors"
	"rulecore/pkg/models"
)

// FailureLister reads the audit log of terminal failures.
type FailureLister interface {
	Failures(ctx context.Context, tenantID string, limit int) ([]models.FailureRecord, error)
}

// Submitter enqueues new messages.
type Submitter interface {
	Submit(ctx context.Context, env models.Envelope) (partition.QueueKey, error)
}

// ConsumerView exposes the partitions this node is consuming.
type ConsumerView interface {
	Active() map[partition.QueueKey][]int
}

type Handler struct {
	Syncer     *chainsync.Syncer
	Chains     store.ChainRepository
	Partitions *partition.Service
	Consumers  ConsumerView
	Failures   FailureLister
	Ingest     Submitter
	Factory    *engine.NodeFactory
	Events     chainsync.Publisher
	Logger     logger.Logger
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	{
		tenants := v1.Group("/tenants/:tenant")
		{
			tenants.GET("/chain", h.GetChain)
			tenants.PUT("/chain", h.PutChain)
			tenants.DELETE("/chain", h.DeleteChain)
			tenants.GET("/failures", h.ListFailures)
			tenants.POST("/messages", h.PostMessage)
			tenants.DELETE("", h.DeleteTenant)
		}

		v1.GET("/partitions", h.GetPartitions)
		v1.PUT("/queues/:queue", h.PutQueue)
		v1.DELETE("/queues/:queue", h.DeleteQueue)

		v1.GET("/node-types", h.ListNodeTypes)
		v1.GET("/cel/examples", h.CELExamples)
	}
}

// GetChain godoc
// @Summary      Get a tenant's rule chain
// @Description  Returns the stored rule chain definition of the tenant
// @Tags         chains
// @Produce      json
// @Param        tenant  path      string  true  "Tenant ID"
// @Success      200     {object}  engine.ChainDef
// @Failure      404     {object}  errors.ErrorResponse
// @Failure      500     {object}  errors.ErrorResponse
// @Router       /tenants/{tenant}/chain [get]
func (h *Handler) GetChain(c *gin.Context) {
	def, err := h.Chains.Get(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// PutChain replaces the tenant's chain. The body is validated by loading
// it; an invalid chain leaves the stored and running chain untouched.
//
// @Summary      Save a tenant's rule chain
// @Description  Validates, stores and activates a new version of the tenant's rule chain
// @Tags         chains
// @Accept       json
// @Produce      json
// @Param        tenant  path      string           true  "Tenant ID"
// @Param        chain   body      engine.ChainDef  true  "Rule chain definition"
// @Success      200     {object}  engine.ChainDef
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      500     {object}  errors.ErrorResponse
// @Router       /tenants/{tenant}/chain [put]
func (h *Handler) PutChain(c *gin.Context) {
	var def engine.ChainDef
	if err := c.ShouldBindJSON(&def); err != nil {
		h.badRequest(c, err)
		return
	}
	tenant := c.Param("tenant")
	if def.TenantID != "" && def.TenantID != tenant {
		h.HandleError(c, errors.ErrValidation.WithMessage("body tenant %q does not match path tenant %q", def.TenantID, tenant))
		return
	}
	def.TenantID = tenant

	saved, err := h.Syncer.Save(c.Request.Context(), def)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Logger.InfowCtx(c.Request.Context(), "Rule chain saved", "tenant_id", tenant, "version", saved.Version)
	c.JSON(http.StatusOK, saved)
}

// DeleteChain godoc
// @Summary      Delete a tenant's rule chain
// @Tags         chains
// @Param        tenant  path  string  true  "Tenant ID"
// @Success      204
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /tenants/{tenant}/chain [delete]
func (h *Handler) DeleteChain(c *gin.Context) {
	if err := h.Syncer.Delete(c.Request.Context(), c.Param("tenant")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteTenant drops the tenant's chain and dedicated queues on every node.
//
// @Summary      Delete a tenant
// @Tags         tenants
// @Param        tenant  path  string  true  "Tenant ID"
// @Success      204
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /tenants/{tenant} [delete]
func (h *Handler) DeleteTenant(c *gin.Context) {
	ctx := c.Request.Context()
	tenant := c.Param("tenant")
	if err := h.Chains.Delete(ctx, tenant); err != nil && !errors.IsNotFound(err) {
		h.HandleError(c, err)
		return
	}
	ev := models.ChainEvent{EventType: models.EventTypeTenantDeleted, TenantID: tenant, Timestamp: time.Now().UTC()}
	if err := h.apply(ctx, ev); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListFailures godoc
// @Summary      List terminal failures
// @Description  Returns the newest failure records of the tenant
// @Tags         failures
// @Produce      json
// @Param        tenant  path      string  true   "Tenant ID"
// @Param        limit   query     int     false  "Maximum number of records"
// @Success      200     {array}   models.FailureRecord
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      500     {object}  errors.ErrorResponse
// @Router       /tenants/{tenant}/failures [get]
func (h *Handler) ListFailures(c *gin.Context) {
	if h.Failures == nil {
		c.JSON(http.StatusOK, []models.FailureRecord{})
		return
	}
	limit := constants.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.HandleError(c, errors.ErrValidation.WithMessage("limit must be a positive integer"))
			return
		}
		limit = min(n, constants.MaxLimit)
	}

	records, err := h.Failures.Failures(c.Request.Context(), c.Param("tenant"), limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if records == nil {
		records = []models.FailureRecord{}
	}
	c.JSON(http.StatusOK, records)
}

type EntityRef struct {
	Type string `json:"type" binding:"required"`
	ID   string `json:"id" binding:"required"`
}

type MessageRequest struct {
	Type       string            `json:"type" binding:"required"`
	Originator EntityRef         `json:"originator" binding:"required"`
	Payload    json.RawMessage   `json:"payload"`
	Metadata   map[string]string `json:"metadata"`
	Queue      string            `json:"queue"`
}

// PostMessage enqueues one message for the tenant's rule chain.
//
// @Summary      Submit a message
// @Tags         messages
// @Accept       json
// @Produce      json
// @Param        tenant   path      string          true  "Tenant ID"
// @Param        message  body      MessageRequest  true  "Message"
// @Success      202      {object}  map[string]string
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      503      {object}  errors.ErrorResponse
// @Router       /tenants/{tenant}/messages [post]
func (h *Handler) PostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	payload := models.Payload{}
	if len(req.Payload) > 0 {
		var err error
		if payload, err = models.PayloadFromJSON(req.Payload); err != nil {
			h.badRequest(c, err)
			return
		}
	}
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b := models.NewEnvelopeBuilder().
		WithTenant(c.Param("tenant")).
		WithOriginator(req.Originator.Type, req.Originator.ID).
		WithType(req.Type).
		WithQueue(req.Queue)
	for _, k := range keys {
		b.Meta(k, req.Metadata[k])
	}
	env := b.Build()
	env.Payload = payload

	key, err := h.Ingest.Submit(c.Request.Context(), env)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": env.ID.String(), "queue": key.String()})
}

type QueueRequest struct {
	TenantID   string `json:"tenant_id"`
	Partitions int    `json:"partitions" binding:"required,min=1"`
}

// PutQueue godoc
// @Summary      Create or resize a queue
// @Tags         queues
// @Accept       json
// @Produce      json
// @Param        queue    path      string        true  "Queue name"
// @Param        request  body      QueueRequest  true  "Queue settings"
// @Success      200      {object}  map[string]interface{}
// @Failure      400      {object}  errors.ErrorResponse
// @Router       /queues/{queue} [put]
func (h *Handler) PutQueue(c *gin.Context) {
	var req QueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	ev := models.ChainEvent{
		EventType:  models.EventTypeQueueUpdated,
		Action:     models.ActionSaved,
		TenantID:   req.TenantID,
		QueueName:  c.Param("queue"),
		Partitions: req.Partitions,
		Timestamp:  time.Now().UTC(),
	}
	if err := h.apply(c.Request.Context(), ev); err != nil {
		h.HandleError(c, err)
		return
	}
	key := h.Partitions.ResolveQueueKey(req.TenantID, ev.QueueName)
	c.JSON(http.StatusOK, gin.H{"queue": key.String(), "partitions": req.Partitions})
}

// DeleteQueue godoc
// @Summary      Delete a queue
// @Tags         queues
// @Param        queue      path   string  true   "Queue name"
// @Param        tenant_id  query  string  false  "Owning tenant of an isolated queue"
// @Success      204
// @Failure      400  {object}  errors.ErrorResponse
// @Router       /queues/{queue} [delete]
func (h *Handler) DeleteQueue(c *gin.Context) {
	ev := models.ChainEvent{
		EventType: models.EventTypeQueueUpdated,
		Action:    models.ActionDeleted,
		TenantID:  c.Query("tenant_id"),
		QueueName: c.Param("queue"),
		Timestamp: time.Now().UTC(),
	}
	if err := h.apply(c.Request.Context(), ev); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// apply handles ev locally and announces it to the other nodes.
func (h *Handler) apply(ctx context.Context, ev models.ChainEvent) error {
	if err := h.Syncer.Handle(ctx, ev); err != nil {
		return err
	}
	if h.Events == nil {
		return nil
	}
	if err := h.Events.Publish(ctx, ev); err != nil {
		h.Logger.ErrorwCtx(ctx, "Failed to publish event", "event_type", ev.EventType, "error", err)
	}
	return nil
}

type QueuePartitions struct {
	Queue      string `json:"queue"`
	TenantID   string `json:"tenant_id,omitempty"`
	Partitions int    `json:"partitions"`
	Owned      []int  `json:"owned"`
	Consuming  []int  `json:"consuming"`
}

type PartitionsResponse struct {
	NodeID  string            `json:"node_id"`
	Version uint64            `json:"version"`
	Members []string          `json:"members"`
	Queues  []QueuePartitions `json:"queues"`
}

// GetPartitions describes the current assignment from this node's view.
//
// @Summary      Partition assignment
// @Tags         cluster
// @Produce      json
// @Success      200  {object}  PartitionsResponse
// @Router       /partitions [get]
func (h *Handler) GetPartitions(c *gin.Context) {
	snap := h.Partitions.Snapshot()
	owned := snap.OwnedBy(h.Partitions.NodeID())
	var active map[partition.QueueKey][]int
	if h.Consumers != nil {
		active = h.Consumers.Active()
	}

	resp := PartitionsResponse{
		NodeID:  h.Partitions.NodeID(),
		Version: snap.Version(),
		Members: snap.Members(),
		Queues:  []QueuePartitions{},
	}
	for _, key := range snap.Keys() {
		q := QueuePartitions{
			Queue:      key.String(),
			TenantID:   key.TenantID,
			Partitions: snap.Partitions(key),
			Owned:      owned[key],
			Consuming:  active[key],
		}
		if q.Owned == nil {
			q.Owned = []int{}
		}
		if q.Consuming == nil {
			q.Consuming = []int{}
		}
		resp.Queues = append(resp.Queues, q)
	}
	sort.Slice(resp.Queues, func(i, j int) bool { return resp.Queues[i].Queue < resp.Queues[j].Queue })
	c.JSON(http.StatusOK, resp)
}

// ListNodeTypes godoc
// @Summary      List rule node types
// @Tags         nodes
// @Produce      json
// @Success      200  {object}  map[string][]string
// @Router       /node-types [get]
func (h *Handler) ListNodeTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"node_types": h.Factory.Types()})
}

// CELExamples godoc
// @Summary      Example filter expressions
// @Tags         nodes
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /cel/examples [get]
func (h *Handler) CELExamples(c *gin.Context) {
	c.JSON(http.StatusOK, cel.FilterExpressionExamples)
}
