package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/assetsync/internal/batchstore"
	"github.com/danmuck/assetsync/internal/catalog"
	"github.com/danmuck/assetsync/internal/orchestrator"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// BatchView is a batch together with its progress counters.
type BatchView struct {
	batchstore.Batch
	Progress batchstore.Progress `json:"progress"`
}

// FieldStatus answers whether a field of one entity is being updated.
type FieldStatus struct {
	EntityID string `json:"entity_id"`
	Field    string `json:"field"`
	Updating bool   `json:"updating"`
	Error    string `json:"error,omitempty"`
}

// OperationView is one registered operation.
type OperationView struct {
	Name        string   `json:"name"`
	Field       string   `json:"field,omitempty"`
	Description string   `json:"description,omitempty"`
	Cascades    []string `json:"cascades,omitempty"`
}

const defaultTransitionLimit = 100

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.id,
			"version": "0.1.0",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/batches", s.startBatch)
	r.GET("/batches", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"batches": s.views(s.store.Batches())})
	})
	r.GET("/batches/active", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"batches": s.views(s.store.ActiveBatches())})
	})
	r.GET("/batches/:id", func(c *gin.Context) {
		b, ok := s.store.Batch(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		c.JSON(http.StatusOK, s.view(b))
	})
	r.POST("/batches/:id/cancel", func(c *gin.Context) {
		batchID := c.Param("id")
		if _, ok := s.store.Batch(batchID); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID, "cancelled": s.orch.CancelBatch(batchID)})
	})
	r.POST("/batches/:id/entities/:entity/cancel", func(c *gin.Context) {
		batchID, entityID := c.Param("id"), c.Param("entity")
		if !s.orch.CancelEntity(batchID, entityID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no running task for entity"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID, "entity_id": entityID, "cancelled": true})
	})
	r.DELETE("/batches/:id", func(c *gin.Context) {
		batchID := c.Param("id")
		dismissed, err := s.orch.Dismiss(batchID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"batch_id": batchID, "dismissed": dismissed})
	})

	r.GET("/entities/:entity", s.entitySnapshot)
	r.GET("/entities/:entity/fields/:field", func(c *gin.Context) {
		entityID, field := c.Param("entity"), c.Param("field")
		out := FieldStatus{
			EntityID: entityID,
			Field:    field,
			Updating: s.store.IsEntityFieldUpdating(entityID, field),
		}
		if msg, ok := s.store.LatestFieldError([]string{entityID}, field); ok {
			out.Error = msg
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/operations", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operations": s.operations()})
	})
	r.GET("/transitions", func(c *gin.Context) {
		limit := defaultTransitionLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		c.JSON(http.StatusOK, gin.H{"transitions": s.store.Transitions(limit)})
	})
}

func (s *Server) startBatch(c *gin.Context) {
	var req orchestrator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	batchID, err := s.orch.StartBatchUpdate(req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, orchestrator.ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, catalog.ErrUnregisteredOperation), errors.Is(err, catalog.ErrInvalidOperation):
			status = http.StatusNotFound
		case errors.Is(err, orchestrator.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		log.Warn().Err(err).Str("operation", req.Operation).Msg("batch rejected")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID})
}

func (s *Server) entitySnapshot(c *gin.Context) {
	if s.snaps == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshots disabled"})
		return
	}
	rec, ok, err := s.snaps.Get(c.Param("entity"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for entity"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) view(b batchstore.Batch) BatchView {
	return BatchView{Batch: b, Progress: b.Tally()}
}

func (s *Server) views(batches []batchstore.Batch) []BatchView {
	out := make([]BatchView, 0, len(batches))
	for _, b := range batches {
		out = append(out, s.view(b))
	}
	return out
}

func (s *Server) operations() []OperationView {
	names := s.ops.List()
	out := make([]OperationView, 0, len(names))
	for _, name := range names {
		d, err := s.ops.Lookup(name)
		if err != nil {
			continue
		}
		view := OperationView{Name: name, Field: d.Field, Description: d.Description}
		for _, c := range d.Cascades {
			view.Cascades = append(view.Cascades, c.Operation)
		}
		out = append(out, view)
	}
	return out
}
