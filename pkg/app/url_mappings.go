package app

import (
	"github.com/osvaldoandrade/mediaq/internal/controllers"
	"github.com/osvaldoandrade/mediaq/internal/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gin-gonic/gin"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := app.Engine.Group("/v1/mediaq")
	producer := v1.Group("", middleware.AuthMiddleware(app.Validator, app.Config))
	{
		producer.POST("/tasks",
			middleware.RateLimitProducer(app.RateLimiter, app.Config),
			controllers.NewCreateTaskController(app.Tasks).Handle)
		producer.GET("/tasks/:id", controllers.NewGetTaskController(app.Tasks).Handle)
		producer.GET("/tasks/:id/result", controllers.NewGetResultController(app.Tasks).Handle)
		producer.POST("/tasks/:id/cancel", controllers.NewCancelTaskController(app.Tasks).Handle)

		admin := producer.Group("/admin", middleware.RequireAdmin())
		admin.GET("/queues", controllers.NewQueueStatsController(app.Tasks).Handle)
		admin.POST("/tasks/cleanup",
			middleware.RateLimitAdminCleanup(app.RateLimiter, app.Config),
			controllers.NewCleanupExpiredController(app.Tasks).Handle)
	}
}
