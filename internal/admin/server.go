// Package admin serves the read-only HTTP view of one link side.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/dsplink/internal/channel"
	"github.com/danmuck/dsplink/internal/link"
	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/msgq"
	"github.com/danmuck/dsplink/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

// Source is what the admin surface reads. *link.Side satisfies it.
type Source interface {
	Status() link.Status
	MSGQ() *msgq.Directory
	Engine() *channel.Engine
}

var _ Source = (*link.Side)(nil)

type Server struct {
	name    string
	addr    string
	src     Source
	router  *gin.Engine
	started time.Time
}

func New(name, addr string, src Source, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logging.Logger()))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{name: name, addr: addr, src: src, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.name,
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		st := s.src.Status()
		code := http.StatusOK
		if !st.Ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":        st.Ready,
			"synchronized": st.Synchronized,
			"role":         st.Role,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.src.Status())
	})

	s.router.GET("/queues", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.src.MSGQ().Snapshot())
	})

	s.router.GET("/queues/:id", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 16)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "queue id must be a 16-bit integer"})
			return
		}
		for _, q := range s.src.MSGQ().Snapshot().Queues {
			if q.ID == uint16(id) {
				c.JSON(http.StatusOK, q)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "queue not found"})
	})

	s.router.GET("/channels", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"channels": s.src.Engine().Snapshot()})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve listens on the configured address until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logging.Infof("admin.Server.Serve name=%s addr=%s", s.name, s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warnf("admin.Server.Serve shutdown name=%s err=%v", s.name, err)
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
