// Package httpapi implements the mirror-mode HTTP surface: a CORS-open
// block upload/download endpoint backed by a ContentClient, a health
// route, and the Prometheus metrics endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wireclip/sync/internal/contentclient"
	"wireclip/sync/internal/hub"
	"wireclip/sync/internal/model"
)

// Server is the Echo application serving mirror mode.
type Server struct {
	echo    *echo.Echo
	content contentclient.ContentClient
	hub     *hub.Hub
}

// New constructs an Echo app with the block-upload and health routes.
// hub may be nil if this process is not also running the sync
// aggregator (pure mirror-only deployment).
func New(content contentclient.ContentClient, h *hub.Hub) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger())

	s := &Server{echo: e, content: content, hub: h}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/health" {
				slog.Debug("http request", "method", req.Method, "path", path, "status", c.Response().Status)
			} else {
				slog.Info("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/api/blocks", s.handleBlockUpload)
	s.echo.GET("/api/blocks/:cid", s.handleBlockDownload)
	if s.hub != nil {
		s.echo.GET("/api/rooms", s.handleRoomStats)
	}
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

type blockUploadResponse struct {
	Cid  string `json:"cid"`
	Size int    `json:"size"`
}

// handleBlockUpload accepts a raw block body and adds it to the
// content-addressed store, returning the computed cid. This is the
// HTTP fallback path for peers that can't or won't speak bitswap
// directly — spec.md §6's "mirror mode" collaborator.
func (s *Server) handleBlockUpload(c echo.Context) error {
	putter, ok := s.content.(interface {
		Put(ctx context.Context, raw []byte) (model.ContentId, error)
	})
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "content storage is not configured")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 64<<20))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty block body")
	}

	id, err := putter.Put(c.Request().Context(), body)
	if err != nil {
		slog.Error("block upload failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("store block: %v", err))
	}

	slog.Info("block uploaded", "cid", id.String(), "size", len(body))
	return c.JSON(http.StatusCreated, blockUploadResponse{Cid: id.String(), Size: len(body)})
}

func (s *Server) handleBlockDownload(c echo.Context) error {
	raw := c.Param("cid")
	id, err := model.ParseContentId(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid cid: %v", err))
	}

	data, err := s.content.Fetch(c.Request().Context(), id)
	if err != nil {
		slog.Debug("block download failed", "cid", raw, "err", err)
		return echo.NewHTTPError(http.StatusNotFound, "block not found")
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/octet-stream")
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

type roomStatsResponse struct {
	RoomID       string `json:"roomId"`
	Peers        int    `json:"peers"`
	Files        int    `json:"files"`
	ChatMessages int    `json:"chatMessages"`
}

func (s *Server) handleRoomStats(c echo.Context) error {
	stats := s.hub.Stats()
	out := make([]roomStatsResponse, 0, len(stats))
	for _, st := range stats {
		out = append(out, roomStatsResponse{
			RoomID: string(st.RoomID), Peers: st.Peers, Files: st.Files, ChatMessages: st.ChatMessages,
		})
	}
	return c.JSON(http.StatusOK, out)
}
