package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"aiassist/internal/adapter/provider/llm/openai"
	"aiassist/internal/api"
	"aiassist/internal/app/bootstrap"
	"aiassist/internal/db/postgres"
	"aiassist/internal/db/qdrant"
	redisdb "aiassist/internal/db/redis"
	"aiassist/internal/domain/rag"
	"aiassist/internal/platform/config"
	applog "aiassist/internal/platform/log"
	"aiassist/internal/provider"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "aiassist",
	})

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		applog.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

	if err := db.Ping(); err != nil {
		applog.Fatalf("❌ Failed to ping database: %v", err)
	}
	applog.Info("✅ Connected to PostgreSQL")

	repo := postgres.NewRepository(db)
	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = repo.EnsureTables(migrateCtx)
	migrateCancel()
	if err != nil {
		applog.Fatalf("❌ Failed to ensure tables: %v", err)
	}
	applog.Info("✅ Tables ready (model_configs, ai_configs, knowledge_sources)")

	ragCfg := &cfg.RAG

	vectors := qdrant.NewClient(qdrant.Config{
		URL:               ragCfg.QdrantURL,
		APIKey:            ragCfg.QdrantAPIKey,
		Timeout:           ragCfg.VectorTimeout(),
		SettleDelay:       time.Duration(ragCfg.UpsertSettleMs) * time.Millisecond,
		IndexPollAttempts: cfg.Qdrant.IndexPollAttempts,
		IndexPollInterval: time.Duration(cfg.Qdrant.IndexPollIntervalMs) * time.Millisecond,
		BreakerFailures:   uint32(cfg.Qdrant.BreakerFailures),
		BreakerTimeout:    time.Duration(cfg.Qdrant.BreakerTimeoutSeconds) * time.Second,
	})
	applog.Infof("✅ Qdrant client ready (%s, prefix=%q)", ragCfg.QdrantURL, ragCfg.CollectionPrefix)

	embedder, err := bootstrap.NewEmbedder(bootstrap.EmbedderOptions{
		RAG:        ragCfg,
		OpenAIKey:  cfg.OpenAI.APIKey,
		OpenAIBase: cfg.OpenAI.BaseURL,
	})
	if err != nil {
		applog.Fatalf("❌ Failed to build embedder: %v", err)
	}

	registry := provider.Default()
	bootstrap.RegisterLLMProviders(registry, openai.Config{
		APIKey:       cfg.OpenAI.APIKey,
		BaseURL:      cfg.OpenAI.BaseURL,
		DefaultModel: cfg.OpenAI.DefaultModel,
	})
	llm := rag.NewProviderLLM(registry, cfg.OpenAI.DefaultModel)

	parsers := rag.NewParserRegistry()
	applog.Infof("✅ Parser registry initialized (types: %s)", parsers.SupportedTypes())

	ingestor, err := rag.NewIngestor(parsers, embedder, vectors, repo, repo, ragCfg)
	if err != nil {
		applog.Fatalf("❌ Failed to build ingestor: %v", err)
	}
	retriever := rag.NewRetriever(
		embedder,
		rag.NewVectorStrategy(vectors, repo),
		rag.NewRelationalStrategy(repo),
		ragCfg,
	)
	assistant := rag.NewAssistant(repo, retriever, llm, ragCfg)

	var transcripts api.TranscriptReader
	if rdb := connectRedis(cfg.Redis.URL); rdb != nil {
		defer rdb.Close()

		store := redisdb.NewTranscriptStore(redisdb.TranscriptStoreConfig{
			Client: rdb,
			TTL:    time.Duration(cfg.Transcript.TTLHours) * time.Hour,
			MaxLen: cfg.Transcript.MaxLen,
		})
		assistant.SetTranscripts(store)
		transcripts = store
		applog.Info("✅ Transcript store initialized")

		if ragCfg.HasCache() {
			cache := redisdb.NewRetrievalCache(rdb, time.Duration(ragCfg.CacheTTL)*time.Second)
			retriever.SetCache(cache)
			ingestor.SetCache(cache)
			applog.Infof("✅ Retrieval cache initialized (TTL: %ds)", ragCfg.CacheTTL)
		}
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.MaxFileMB = ragCfg.MaxFileSize
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer
	server := api.NewServer(serverConfig, api.Services{
		Knowledge:   ingestor,
		Chat:        assistant,
		Store:       repo,
		Transcripts: transcripts,
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}

// connectRedis REDIS_URL 为空或不可达时返回 nil，会话记录与缓存随之关闭
func connectRedis(url string) *goredis.Client {
	if url == "" {
		applog.Info("ℹ️  No REDIS_URL set, transcripts and retrieval cache disabled")
		return nil
	}
	opt, err := goredis.ParseURL(url)
	if err != nil {
		applog.Warnf("⚠️  Invalid REDIS_URL, transcripts disabled: %v", err)
		return nil
	}

	rdb := goredis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		applog.Warnf("⚠️  Redis ping failed, transcripts disabled: %v", err)
		rdb.Close()
		return nil
	}
	applog.Info("✅ Connected to Redis")
	return rdb
}
