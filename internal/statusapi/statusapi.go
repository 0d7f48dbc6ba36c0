// Package statusapi serves a small read-only HTTP view of a running sync.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/csync/internal/journal"
	"github.com/openmined/csync/internal/manifest"
	"github.com/openmined/csync/internal/version"
	slogGin "github.com/samber/slog-gin"
)

const shutdownTimeout = 5 * time.Second

// Status is the body of GET /status.
type Status struct {
	Version           string         `json:"version"`
	Source            string         `json:"source"`
	Target            string         `json:"target"`
	StartedAt         time.Time      `json:"startedAt"`
	Pending           int            `json:"pending"`
	Tracked           int            `json:"tracked"`
	ManifestFiles     int            `json:"manifestFiles"`
	ManifestBytes     int64          `json:"manifestBytes"`
	LastManifestWrite string         `json:"lastManifestWrite,omitempty"`
	Journal           *journal.Stats `json:"journal,omitempty"`
}

// Provider is the running daemon as seen by the status server.
type Provider interface {
	Status(ctx context.Context) Status
	Manifest() *manifest.Manifest
}

type Server struct {
	server *http.Server
}

// New returns a server on addr. A nil metrics handler leaves /metrics unregistered.
func New(addr string, p Provider, metrics http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           Routes(p, metrics),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Routes builds the gin engine serving the status endpoints.
func Routes(p Provider, metrics http.Handler) http.Handler {
	r := gin.New()

	httpLogger := slog.Default().WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, p.Status(c.Request.Context()))
	})

	r.GET("/manifest", func(c *gin.Context) {
		data, err := p.Manifest().Serialize()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", data)
	})

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("status api start", "addr", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
