// Package httpserver assembles the API process's gin router.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"whendoist/internal/handler"
	"whendoist/internal/service"
	"whendoist/pkg/mq"
)

type Deps struct {
	Auth      *service.AuthService
	Tasks     *service.TaskService
	Calendar  *service.CalendarService
	DB        *pgxpool.Pool
	Publisher *mq.Publisher
	Logger    *zap.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), TraceMiddleware(), LoggingMiddleware(deps.Logger))

	authHandler := handler.NewAuthHandler(deps.Auth, deps.Logger)
	taskHandler := handler.NewTaskHandler(deps.Tasks, deps.Logger)
	calendarHandler := handler.NewCalendarHandler(deps.Calendar, deps.Logger)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := deps.DB.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		if deps.Publisher != nil && !deps.Publisher.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := router.Group("/auth")
	{
		auth.POST("/signup", authHandler.Signup)
		auth.POST("/login", authHandler.Login)
	}

	api := router.Group("/api", AuthMiddleware(deps.Auth))
	{
		tasks := api.Group("/tasks")
		{
			tasks.POST("", taskHandler.Create)
			tasks.GET("", taskHandler.List)
			tasks.GET("/:id", taskHandler.Get)
			tasks.PUT("/:id", taskHandler.Update)
			tasks.DELETE("/:id", taskHandler.Delete)
			tasks.POST("/:id/complete", taskHandler.Complete)
			tasks.GET("/:id/instances", taskHandler.ListInstances)
		}

		instances := api.Group("/instances")
		{
			instances.GET("/overdue", taskHandler.ListOverdue)
			instances.POST("/batch-complete", taskHandler.BatchComplete)
			instances.POST("/:id/complete", taskHandler.CompleteInstance)
			instances.POST("/:id/skip", taskHandler.SkipInstance)
			instances.POST("/:id/reopen", taskHandler.ReopenInstance)
			instances.POST("/:id/unskip", taskHandler.UnskipInstance)
		}

		calendar := api.Group("/calendar")
		{
			calendar.GET("/connect", calendarHandler.Connect)
			calendar.GET("/callback", calendarHandler.Callback)
			calendar.GET("/status", calendarHandler.Status)
			calendar.POST("/sync", calendarHandler.SyncNow)
			calendar.POST("/disconnect", calendarHandler.Disconnect)
			calendar.POST("/reconnect", calendarHandler.Reconnect)
		}
	}

	return router
}
