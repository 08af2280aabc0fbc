package main

import (
	"context"
	"log"
	"os"
	"time"

	"flowintake/internal/advisor"
	"flowintake/internal/api"
	"flowintake/internal/auth"
	"flowintake/internal/config"
	"flowintake/internal/interview"
	"flowintake/internal/llm"
	"flowintake/internal/redis"
	"flowintake/internal/storage"
	"flowintake/internal/store"
	"flowintake/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("FLOWINTAKE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("FLOWINTAKE_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, running single-replica: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	provider := os.Getenv("FLOWINTAKE_PROVIDER")
	if provider == "" {
		for name := range cfg.Providers {
			provider = name
			break
		}
	}
	chatModel, err := llm.NewChatModel(context.Background(), cfg, provider, "")
	if err != nil {
		log.Fatalf("init chat model: %v", err)
	}

	storeService := store.NewService(db)
	exchange, err := interview.NewExchange(storeService, chatModel)
	if err != nil {
		log.Fatalf("init interview exchange: %v", err)
	}
	titler := interview.NewTitler(storeService, chatModel)
	manager := worker.NewManager(storeService, exchange, titler, rdb)
	dispatcher := worker.NewDispatcher(
		cfg.BasicConfig.MinWorkers,
		cfg.BasicConfig.MaxWorkers,
		cfg.BasicConfig.QueueSize,
		manager,
		time.Duration(cfg.BasicConfig.WorkerIdleTimeout)*time.Minute,
	)

	advisorService, err := advisor.NewService(storeService, chatModel)
	if err != nil {
		log.Fatalf("init advisor: %v", err)
	}

	authService := auth.NewService(db, 24*time.Hour)
	cleanupGrace := time.Duration(cfg.BasicConfig.CleanupGrace) * time.Minute
	handlers := api.NewHandler(storeService, authService, dispatcher, advisorService, cleanupGrace)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
