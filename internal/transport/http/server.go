// Package http exposes the event source over REST and websocket: auth
// endpoints, table query/insert/update, and the realtime subscription
// stream.
package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/auth"
	"github.com/entraide/beacon/internal/config"
	"github.com/entraide/beacon/internal/source"
)

// NewServer builds the HTTP server with all routes mounted.
func NewServer(src source.Source, authService *auth.Service, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(LoggerMiddleware(logger), gin.Recovery())

	h := NewHandlers(src, authService, logger)

	engine.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	engine.POST("/api/register", h.Register)
	engine.POST("/api/login", h.Login)

	authorized := engine.Group("/api", AuthMiddleware(authService, logger))
	authorized.GET("/tables/:table", h.QueryTable)
	authorized.POST("/tables/:table", h.InsertRow)
	authorized.PATCH("/tables/:table/:id", h.UpdateRow)

	ws := NewWSHandler(src, logger)
	engine.GET("/realtime", AuthMiddleware(authService, logger), gin.WrapH(ws))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
