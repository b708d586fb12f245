package main

import (
  "context"
  "fmt"
  "os"
  "os/signal"
  "syscall"
  "time"
  "github.com/harvestmark/agritrace-backend/internal/chain"
  redisclient "github.com/harvestmark/agritrace-backend/internal/clients/redis"
  "github.com/harvestmark/agritrace-backend/internal/db"
  "github.com/harvestmark/agritrace-backend/internal/handlers"
  "github.com/harvestmark/agritrace-backend/internal/jobs"
  "github.com/harvestmark/agritrace-backend/internal/lineage"
  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/middleware"
  "github.com/harvestmark/agritrace-backend/internal/observability"
  "github.com/harvestmark/agritrace-backend/internal/repos"
  "github.com/harvestmark/agritrace-backend/internal/server"
  "github.com/harvestmark/agritrace-backend/internal/services"
  "github.com/harvestmark/agritrace-backend/internal/sse"
  "github.com/harvestmark/agritrace-backend/internal/utils"
)

func main() {
  // Logger
  logMode := os.Getenv("LOG_MODE")
  if logMode == "" {
    logMode = "development"
  }
  log, err := logger.New(logMode)
  if err != nil {
    fmt.Printf("Failed to init logger: %v\n", err)
    os.Exit(1)
  }
  defer log.Sync()

  rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
  defer stop()

  // Tracing
  shutdownOtel := observability.InitOTel(rootCtx, log, observability.OtelConfig{
    ServiceName: "agritrace-backend",
    Environment: os.Getenv("APP_ENV"),
    Version:     os.Getenv("APP_VERSION"),
  })

  // Env
  log.Info("Loading environment variables from main...")
  jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
  accessTokenTTL := utils.GetEnvAsInt("ACCESS_TOKEN_TTL", 3600, log)
  refreshTokenTTL := utils.GetEnvAsInt("REFRESH_TOKEN_TTL", 86400, log)
  chainWorkers := utils.GetEnvAsInt("CHAIN_WORKERS", 2, log)
  serverPort := utils.GetEnv("PORT", "8080", log)

  // Postgres
  postgresService, err := db.NewPostgresService(log)
  if err != nil {
    log.Fatal("Postgres init failed", "error", err)
  }
  if err = postgresService.AutoMigrateAll(); err != nil {
    log.Warn("Postgres auto migration failed", "error", err)
  }
  thePG := postgresService.DB()

  // Chain gateways
  chainCfg, err := chain.LoadConfig(log)
  if err != nil {
    log.Fatal("Chain config load failed", "error", err)
  }
  rpcClient := chain.NewRPCClient(log, chainCfg)
  consoleClient := chain.NewConsoleClient(log, chainCfg)
  poller := chain.NewPoller(log, rpcClient, consoleClient)
  keystore := chain.NewKeystore(log, consoleClient, chainCfg)

  // Lineage graph (optional)
  graph, err := lineage.NewFromEnv(log)
  if err != nil {
    log.Warn("Lineage graph unavailable", "error", err)
  }
  if graph != nil {
    defer graph.Close(rootCtx)
  }

  // Repos
  log.Info("Setting up Repos from main...")
  userRepo := repos.NewUserRepo(thePG, log)
  productRepo := repos.NewProductRepo(thePG, log)
  recordRepo := repos.NewProductRecordRepo(thePG, log)
  jobRepo := repos.NewChainJobRepo(thePG, log)

  // SSE hub + cross-replica bus
  hub := sse.NewSSEHub(log)
  var bus redisclient.SSEBus
  if os.Getenv("REDIS_ADDR") != "" {
    bus, err = redisclient.NewSSEBus(log)
    if err != nil {
      log.Warn("Redis SSE bus unavailable, events stay replica-local", "error", err)
      bus = nil
    } else {
      defer bus.Close()
      if err := bus.StartForwarder(rootCtx, hub.Broadcast); err != nil {
        log.Warn("Redis SSE forwarder failed to start", "error", err)
      }
    }
  }
  notifier := services.NewJobNotifier(hub, bus)

  // Services
  log.Info("Setting up Services from main...")
  authService := services.NewAuthService(thePG, log, userRepo, jwtSecretKey,
    time.Duration(accessTokenTTL)*time.Second,
    time.Duration(refreshTokenTTL)*time.Second,
  )
  productService := services.NewProductService(thePG, log, productRepo, recordRepo, jobRepo, userRepo, notifier)
  chainQueryService := services.NewChainQueryService(log, rpcClient, chainCfg, productRepo, recordRepo)
  summaryService := services.NewSummaryService(log)

  // Reconciliation worker pool
  registry := jobs.NewRegistry()
  reconciler := jobs.NewReconciler(log, chainCfg, consoleClient, poller, keystore, graph)
  if err := reconciler.RegisterAll(registry); err != nil {
    log.Fatal("Job handler registration failed", "error", err)
  }
  pool := jobs.NewPool(thePG, log, jobRepo, productRepo, recordRepo, registry, notifier, chainWorkers)
  pool.Start(rootCtx)

  // Handlers
  authHandler := handlers.NewAuthHandler(log, authService)
  productHandler := handlers.NewProductHandler(log, productService)
  roleHandler := handlers.NewRoleHandler(log, productService)
  traceHandler := handlers.NewTraceHandler(log, chainQueryService, summaryService)
  jobHandler := handlers.NewJobHandler(log, jobRepo)
  sseHandler := handlers.NewSSEHandler(log, hub)
  authMiddleware := middleware.NewAuthMiddleware(log, authService, userRepo)

  router := server.NewRouter(server.RouterConfig{
    AuthHandler:    authHandler,
    AuthMiddleware: authMiddleware,
    ProductHandler: productHandler,
    RoleHandler:    roleHandler,
    TraceHandler:   traceHandler,
    JobHandler:     jobHandler,
    SSEHandler:     sseHandler,
  })

  go func() {
    log.Info("Starting server", "port", serverPort)
    if err := router.Run(":" + serverPort); err != nil {
      log.Fatal("Server exited", "error", err)
    }
  }()

  <-rootCtx.Done()
  log.Info("Shutting down...")
  pool.Wait()
  if shutdownOtel != nil {
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    _ = shutdownOtel(shutdownCtx)
  }
}
