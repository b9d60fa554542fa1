// Package api exposes batch triggers and batch/entity state over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/danmuck/assetsync/internal/batchstore"
	"github.com/danmuck/assetsync/internal/catalog"
	"github.com/danmuck/assetsync/internal/observability"
	"github.com/danmuck/assetsync/internal/orchestrator"
	"github.com/danmuck/assetsync/internal/snapshots"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Orchestrator is the trigger and control surface the API drives.
type Orchestrator interface {
	StartBatchUpdate(req orchestrator.Request) (string, error)
	CancelEntity(batchID, entityID string) bool
	CancelBatch(batchID string) int
	Dismiss(batchID string) (bool, error)
}

// Operations lists registered operations.
type Operations interface {
	List() []string
	Lookup(operation string) (catalog.Descriptor, error)
}

// Snapshots reads the latest entity view.
type Snapshots interface {
	Get(entityID string) (snapshots.Record, bool, error)
}

type Config struct {
	ServiceID   string
	CorsOrigins []string
}

type Server struct {
	id       string
	router   *gin.Engine
	orch     Orchestrator
	store    *batchstore.Store
	ops      Operations
	snaps    Snapshots
	appeared time.Time
}

func New(cfg Config, orch Orchestrator, store *batchstore.Store, ops Operations, snaps Snapshots) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.ServiceID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		id:       cfg.ServiceID,
		router:   r,
		orch:     orch,
		store:    store,
		ops:      ops,
		snaps:    snaps,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
