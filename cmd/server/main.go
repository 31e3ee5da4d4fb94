package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"persona-mcp/internal/cache"
	"persona-mcp/internal/config"
	"persona-mcp/internal/db"
	personahttp "persona-mcp/internal/http"
	"persona-mcp/internal/llm"
	"persona-mcp/internal/mcp"
	"persona-mcp/internal/repository"
	"persona-mcp/internal/service"
	"persona-mcp/internal/transport"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	for _, warn := range cfg.Warnings() {
		logger.Warn(warn)
	}

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	personaRepo := repository.NewPgPersonaRepository(pool)
	memoryRepo := repository.NewPgMemoryIndexRepository(pool)
	vectorRepo := repository.NewPgVectorRepository(pool)
	relationshipRepo := repository.NewPgRelationshipRepository(pool)
	emotionalRepo := repository.NewPgEmotionalStateRepository(pool)
	conversationRepo := repository.NewPgConversationRepository(pool)

	var relCache service.RelationshipCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis ping failed, relationship cache disabled", zap.Error(err))
		} else {
			relCache = cache.NewRedisRelationshipCache(redisClient, logger, 0)
		}
		cancel()
	}

	llmClient := llm.NewHTTPClient(
		cfg.LLMBaseURL,
		cfg.LLMDefaultModel,
		cfg.LLMEmbedModel,
		cfg.LLMTemperature,
		cfg.LLMMaxTokens,
		time.Duration(cfg.LLMTimeoutSeconds)*time.Second,
	)

	engine := service.NewContinueScoreEngine(cfg)
	memories := service.NewMemoryService(cfg, logger, memoryRepo, vectorRepo, llmClient)
	personas := service.NewPersonaService(cfg, logger, personaRepo, memories, engine)
	relationships := service.NewRelationshipService(logger, personaRepo, relationshipRepo, relCache)
	emotional := service.NewEmotionalService(logger, emotionalRepo)
	conversations := service.NewConversationService(cfg, logger, conversationRepo, personas, memories, relationships, emotional, engine, llmClient)
	decay := service.NewDecayWorker(cfg, logger, memoryRepo, memories)
	sessions := service.NewSessionManager(cfg, logger)

	decay.Start(ctx)
	defer decay.Stop()
	sessions.StartSweeper(ctx)
	defer sessions.StopSweeper()

	if warmed, err := relationships.WarmCache(ctx); err != nil {
		logger.Warn("relationship cache warm failed", zap.Error(err))
	} else if warmed > 0 {
		logger.Info("relationship cache warmed", zap.Int("relationships", warmed))
	}

	mcpServer := mcp.NewServer(cfg, logger, sessions, personas, memories, relationships, emotional, conversations, decay, llmClient)
	dispatcher := mcp.NewDispatcher(logger)
	mcpServer.RegisterAll(dispatcher)

	wsServer := transport.NewWSServer(logger, sessions, dispatcher)
	ping := func(ctx context.Context) error { return db.Ping(ctx, pool) }
	admin := personahttp.NewAdminHandlers(logger, ping, sessions, personas, memories, decay)

	mainSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           personahttp.NewRouter(logger, cfg.MCPPath, wsServer.Handle, admin),
		ReadHeaderTimeout: 5 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.AdminPort),
		Handler:           personahttp.NewAdminRouter(logger, admin),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("mcp server listening",
			zap.String("addr", mainSrv.Addr),
			zap.String("path", cfg.MCPPath))
		if err := mainSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("mcp server: %w", err)
		}
	}()
	go func() {
		logger.Info("admin server listening", zap.String("addr", adminSrv.Addr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mainSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("mcp server shutdown", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown", zap.Error(err))
	}
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.DebugMode {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zcfg.Build()
}
