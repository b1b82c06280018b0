package autogen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	apiHealthCheck   = "/health"
	apiPathStatus    = "/api/status"
	apiPathStats     = "/api/stats"
	apiPathChatLogs  = "/api/chat_logs"
	apiPathMemories  = "/api/memories"
	apiPathUserMemos = "/api/memories/:user_id"

	requestIDHeader = "X-Request-ID"

	maxChatLogPageSize = 100
)

// APIServer is the optional status/management HTTP API: health checks,
// gateway and queue status, chat log browsing, and memory clearing.
type APIServer struct {
	bot        *AG2Bot
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

// newAPIServer initializes the API server and its routes.
func newAPIServer(bot *AG2Bot, config *APIConfig) (*APIServer, error) {
	if config == nil {
		return nil, errors.New("nil API config")
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	a := &APIServer{
		bot:    bot,
		config: config,
		engine: r,
		logger: newTintLogger(config.LogLevel, "api"),
	}
	a.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	corsConfig := cors.DefaultConfig()
	if len(config.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{
		http.MethodGet, http.MethodDelete, http.MethodOptions,
	}

	r.Use(
		gin.Recovery(),
		a.requestIDMiddleware(),
		a.loggingMiddleware(),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, a.healthCheck)
	r.GET(apiPathStatus, a.getStatus)
	r.GET(apiPathStats, a.getStats)
	r.GET(apiPathChatLogs, a.getChatLogs)
	r.DELETE(apiPathMemories, a.clearMemories)
	r.DELETE(apiPathUserMemos, a.clearMemories)

	return a, nil
}

// Serve listens on the configured network/address and serves until the
// context is canceled, then shuts down gracefully.
func (a *APIServer) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "API listening", "address", a.listener.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Serve(a.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), a.config.ReadTimeout,
		)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down API server", tint.Err(err))
		}
		return nil
	}
}

func (a *APIServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getStatus reports gateway connectivity and queue depth.
func (a *APIServer) getStatus(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"version":            Version,
			"commit":             CommitSHA,
			"provider":           a.bot.config.LLM.Provider,
			"discord_connected":  a.bot.discord.connected.Load(),
			"messages_handled":   a.bot.discord.metricMessagesHandled.Load(),
			"queue_length":       a.bot.queue.Len(),
			"discord_connects":   a.bot.discord.metricConnects.Load(),
			"discord_reconnects": a.bot.discord.metricDisconnects.Load(),
		},
	)
}

// getStats reports record counts from the application database and the
// memory store.
func (a *APIServer) getStats(c *gin.Context) {
	userCount, err := a.bot.db.UserCount()
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	chatLogCount, err := a.bot.db.ChatLogCount()
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	memoryCount, err := a.bot.memories.Count(c.Request.Context(), "")
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"users":     userCount,
			"chat_logs": chatLogCount,
			"memories":  memoryCount,
		},
	)
}

// getChatLogs returns the most recent chat logs, optionally filtered
// by user_id, newest first.
func (a *APIServer) getChatLogs(c *gin.Context) {
	type chatLogQuery struct {
		UserID string `form:"user_id"`
		Limit  int    `form:"limit,default=25" binding:"omitempty,min=1"`
	}
	var query chatLogQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if query.Limit > maxChatLogPageSize {
		query.Limit = maxChatLogPageSize
	}

	tx := a.bot.db.DB().WithContext(c.Request.Context()).
		Order("created_at desc").
		Limit(query.Limit)
	if query.UserID != "" {
		tx = tx.Where("user_id = ?", query.UserID)
	}
	var logs []ChatLog
	if err := tx.Find(&logs).Error; err != nil {
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// clearMemories deletes stored memories, for one user when the
// user_id path param is present, otherwise for everyone.
func (a *APIServer) clearMemories(c *gin.Context) {
	userID := c.Param("user_id")
	if err := a.bot.memories.Clear(c.Request.Context(), userID); err != nil {
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	a.requestLogger(c).InfoContext(
		c.Request.Context(), "cleared memories", "user_id", userID,
	)
	c.Status(http.StatusNoContent)
}

// requestIDMiddleware assigns each request a UUID, echoed in the
// response headers, and attaches a request-scoped logger to the
// request context.
func (a *APIServer) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(requestIDHeader, requestID)
		c.Request = c.Request.WithContext(WithLogger(
			c.Request.Context(),
			a.logger.With("request_id", requestID),
		))
		c.Next()
	}
}

// requestLogger returns the logger attached by requestIDMiddleware,
// falling back to the server logger.
func (a *APIServer) requestLogger(c *gin.Context) *slog.Logger {
	if logger, ok := ContextLogger(c.Request.Context()); ok {
		return logger
	}
	return a.logger
}

// loggingMiddleware logs each request with its duration and status.
func (a *APIServer) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		requestLogger := a.requestLogger(c)
		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}
