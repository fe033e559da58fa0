// Package router 提供路由注册
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/handler"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/middleware"
)

// Router 路由管理器
type Router struct {
	engine *gin.Engine
}

// New 创建路由管理器
func New(engine *gin.Engine) *Router {
	return &Router{engine: engine}
}

// RegisterMiddleware 注册全局中间件
func (r *Router) RegisterMiddleware() {
	// 中间件链: Recovery → Trace → Logger → Metrics
	r.engine.Use(
		middleware.Recovery(),
		middleware.Trace(),
		middleware.Logger(),
		middleware.Metrics(),
	)
}

// RegisterRoutes 注册路由
func (r *Router) RegisterRoutes(
	healthHandler *handler.HealthHandler,
	escrowHandler *handler.EscrowHandler,
	adminHandler *handler.AdminHandler,
) {
	// ========== 健康检查 ==========
	r.engine.GET("/health/live", healthHandler.Live)
	r.engine.GET("/health/ready", healthHandler.Ready)

	// ========== Prometheus 监控端点 ==========
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ========== API v1 ==========
	v1 := r.engine.Group("/api/v1")

	projects := v1.Group("/projects")
	{
		projects.POST("", escrowHandler.RegisterProject)
		projects.POST("/dispute", escrowHandler.RaiseDispute)
		projects.GET("/:projectId", escrowHandler.GetProject)
		projects.GET("/:projectId/milestones/:milestoneIndex", escrowHandler.GetMilestone)
		projects.GET("/:projectId/operations", escrowHandler.ListOperations)
	}

	milestones := v1.Group("/milestones")
	{
		milestones.POST("/fund", escrowHandler.FundMilestone)
		milestones.POST("/approve", escrowHandler.ApproveMilestone)
	}

	v1.GET("/operations/:operationId", escrowHandler.GetOperation)

	// ========== 管理接口 ==========
	admin := v1.Group("/admin")
	{
		admin.POST("/milestones/refund", escrowHandler.RefundMilestone)
		if adminHandler != nil {
			admin.POST("/sweep", adminHandler.RunSweep)
			admin.GET("/jobs/:name", adminHandler.GetJobStatus)
		}
	}
}

// Engine 返回 gin 引擎
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
