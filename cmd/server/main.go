package main

import (
	"log"

	"canvas-realtime/internal/cache"
	"canvas-realtime/internal/config"
	"canvas-realtime/internal/hub"
	"canvas-realtime/internal/presence"
	"canvas-realtime/internal/server"
	"canvas-realtime/internal/snapshot"
)

func main() {
	cfg := config.Load()

	// Durable op log, optional. Without it boards live only in memory.
	var store snapshot.Store
	if cfg.Database.Enabled {
		db, err := snapshot.Open(cfg.Database.DSN())
		if err != nil {
			log.Fatalf("Database connection failed: %v", err)
		}
		store = snapshot.NewGormStore(db)
		log.Printf("Database connected, delta log enabled")
	} else {
		log.Printf("No database configured, boards are in-memory only")
	}

	// Hot delta cache and cross-instance fan-out, optional.
	var redisClient *cache.RedisClient
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Redis connection failed: %v", err)
		}
		defer redisClient.Close()
	} else {
		log.Printf("No Redis configured, running single-instance")
	}

	h := hub.NewHub(store, redisClient)
	if cfg.Redis.Enabled {
		registry := presence.NewRegistry(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer registry.Close()
		h.SetPresenceRegistry(registry)
	}

	srv := server.New(cfg, h)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
