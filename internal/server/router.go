package server

import (
  "github.com/gin-gonic/gin"
  "github.com/gin-contrib/cors"
  "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
  "github.com/harvestmark/agritrace-backend/internal/handlers"
  "github.com/harvestmark/agritrace-backend/internal/middleware"
  "github.com/harvestmark/agritrace-backend/internal/types"
)

type RouterConfig struct {
  AuthHandler    *handlers.AuthHandler
  AuthMiddleware *middleware.AuthMiddleware
  ProductHandler *handlers.ProductHandler
  RoleHandler    *handlers.RoleHandler
  TraceHandler   *handlers.TraceHandler
  JobHandler     *handlers.JobHandler
  SSEHandler     *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
  router := gin.Default()
  router.Use(otelgin.Middleware("agritrace-backend"))

  // Cors
  router.Use(cors.New(cors.Config{
    AllowOrigins: []string{
      "http://localhost:80",
      "http://localhost:3000",
      "http://localhost:5174",
    },
    AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
    AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
    AllowCredentials: true,
  }))

// ===============
// || Public    ||
// ===============
  router.GET("/healthcheck", handlers.HealthCheck)
  router.POST("/register", cfg.AuthHandler.Register)
  router.POST("/login", cfg.AuthHandler.Login)
  router.POST("/refresh", cfg.AuthHandler.Refresh)
  // Trace pages reached from packaging QR codes; no auth.
  trace := router.Group("/trace")
  {
    trace.GET("/:code", cfg.TraceHandler.Trace)
    trace.GET("/:code/verify", cfg.TraceHandler.Verify)
    trace.GET("/:code/summary", cfg.TraceHandler.Summary)
  }
  router.GET("/chain/info", cfg.TraceHandler.ChainInfo)

// ===============
// || Protected ||
// ===============
  protected := router.Group("/")
  protected.Use(cfg.AuthMiddleware.RequireAuth())

  protected.GET("/sse/stream", cfg.SSEHandler.Stream)

  products := protected.Group("/products")
  {
    products.POST("", cfg.ProductHandler.Create)
    products.GET("/mine", cfg.ProductHandler.ListMine)
    products.GET("/held", cfg.ProductHandler.ListHeld)
    products.GET("/stage/:stage", cfg.ProductHandler.ListByStage)
    products.GET("/:id", cfg.ProductHandler.Get)
    products.PUT("/:id", cfg.ProductHandler.Update)
    products.DELETE("/:id", cfg.ProductHandler.Delete)
    products.POST("/:id/submit", cfg.ProductHandler.Submit)
    products.POST("/:id/resubmit", cfg.ProductHandler.Resubmit)
    products.POST("/:id/amend", cfg.ProductHandler.Amend)
    products.POST("/:id/invalidate", cfg.ProductHandler.Invalidate)
    products.GET("/:id/job", cfg.JobHandler.LatestForProduct)
  }

  protected.GET("/jobs/:id", cfg.JobHandler.Get)

  grower := protected.Group("/grower", cfg.AuthMiddleware.RequireRole(types.RoleGrower))
  {
    grower.POST("/products/:id/harvest", cfg.RoleHandler.Harvest)
  }

  processor := protected.Group("/processor", cfg.AuthMiddleware.RequireRole(types.RoleProcessor))
  {
    processor.POST("/products/:id/receive", cfg.RoleHandler.Receive)
    processor.POST("/products/:id/process", cfg.RoleHandler.Process)
    processor.POST("/products/:id/send-inspect", cfg.RoleHandler.SendInspect)
  }

  inspector := protected.Group("/inspector", cfg.AuthMiddleware.RequireRole(types.RoleInspector))
  {
    inspector.POST("/products/:id/start-inspect", cfg.RoleHandler.StartInspect)
    inspector.POST("/products/:id/approve", cfg.RoleHandler.Approve)
    inspector.POST("/products/:id/reject", cfg.RoleHandler.Reject)
  }

  seller := protected.Group("/seller", cfg.AuthMiddleware.RequireRole(types.RoleSeller))
  {
    seller.POST("/products/:id/stock-in", cfg.RoleHandler.StockIn)
    seller.POST("/products/:id/sell", cfg.RoleHandler.Sell)
  }

  return router
}
