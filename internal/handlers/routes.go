package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/streamweave/backend/internal/auth"
	"github.com/streamweave/backend/internal/middleware"
)

// Register mounts the session, channel and archive routes on an
// authenticated group.
func Register(api *gin.RouterGroup, sessions *SessionHandler, channels *ChannelHandler, limit gin.HandlerFunc) {
	if limit == nil {
		limit = func(c *gin.Context) { c.Next() }
	}
	broadcaster := middleware.RequireRole(auth.RoleStreamer, auth.RoleOperator)
	operator := middleware.RequireRole(auth.RoleOperator)

	api.POST("/sessions", broadcaster, limit, sessions.StartSession)
	api.GET("/sessions", sessions.ListSessions)
	api.GET("/sessions/:id", sessions.GetSession)
	api.POST("/sessions/:id/join", limit, sessions.JoinSession)
	api.POST("/sessions/:id/leave", sessions.LeaveSession)
	api.POST("/sessions/:id/segments", broadcaster, sessions.IngestSegment)
	api.POST("/sessions/:id/end", broadcaster, sessions.EndSession)
	api.GET("/sessions/:id/manifest.m3u8", sessions.Manifest)
	api.GET("/sessions/:id/archive", sessions.ArchiveStatus)
	api.PUT("/sessions/:id/splits", broadcaster, sessions.SetSplits)

	api.GET("/channels/:id", channels.GetChannel)
	api.POST("/channels/:id/meter", operator, channels.MeterChannel)
	api.POST("/channels/:id/close", channels.CloseChannel)
	api.POST("/distributions", operator, limit, channels.Distribute)

	api.GET("/archive/estimate", channels.EstimateArchiveCost)
	api.GET("/deals/:id", channels.GetDeal)
}
