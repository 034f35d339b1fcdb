package api

import (
	"github.com/gin-gonic/gin"

	"kvmcontrol/models"
	"kvmcontrol/service"
)

func SetupRoutes(router *gin.Engine, dm *service.DeviceManager, ss *service.SessionService,
	ad *service.ActionDispatcher, disc *service.Discovery, wsHub *WebSocketHub) {

	router.Use(CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, models.SuccessResponse(gin.H{"status": "ok"}))
	})

	api := router.Group("/api")
	{
		devices := api.Group("/devices")
		{
			devices.GET("", func(c *gin.Context) { GetDevices(c, dm) })
			devices.POST("", func(c *gin.Context) { AddDevice(c, dm) })
			devices.DELETE("/:id", func(c *gin.Context) { RemoveDevice(c, ss) })
			devices.POST("/:id/forget", func(c *gin.Context) { ForgetDevice(c, ss) })
			devices.POST("/scan", func(c *gin.Context) { ScanDevices(c, dm, disc, wsHub) })
		}

		session := api.Group("/session")
		{
			session.GET("", func(c *gin.Context) { GetSession(c, ss) })
			session.POST("/connect", func(c *gin.Context) { ConnectSession(c, ss) })
			session.POST("/disconnect", func(c *gin.Context) { DisconnectSession(c, ss) })
			session.POST("/reconnect", func(c *gin.Context) { ReconnectSession(c, ss) })
		}

		api.POST("/actions", func(c *gin.Context) { DispatchAction(c, ad) })

		// Passthrough to the connected appliance's control plane.
		appliance := api.Group("/appliance")
		{
			appliance.GET("/streamer", func(c *gin.Context) { GetStreamerState(c, ss) })
			appliance.GET("/atx", func(c *gin.Context) { GetATXState(c, ss) })
			appliance.GET("/msd", func(c *gin.Context) { GetMSDState(c, ss) })
			appliance.GET("/edid", func(c *gin.Context) { GetEDID(c, ss) })
			appliance.GET("/system", func(c *gin.Context) { GetSystemConfig(c, ss) })
			appliance.POST("/system", func(c *gin.Context) { SetSystemConfig(c, ss) })
		}
	}

	// UI event channel: video frames down, input events up.
	router.GET("/ws", func(c *gin.Context) {
		HandleWebSocket(wsHub, c)
	})
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
