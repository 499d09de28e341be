package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/PhucNguyen204/acctfilter/internal/registry"
	srv "github.com/PhucNguyen204/acctfilter/internal/server"
	"github.com/PhucNguyen204/acctfilter/internal/store"
	"github.com/PhucNguyen204/acctfilter/pkg/dispatch"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	addr := getenv("FILTER_ADDR", ":8080")
	// Empty DSN keeps subscriptions in memory only
	dsn := os.Getenv("FILTER_DB_DSN")
	groupsPath := os.Getenv("FILTER_GROUPS_PATH")
	if groupsPath == "" {
		if st, err := os.Stat("./groups"); err == nil && st.IsDir() {
			groupsPath = "./groups"
		}
	}

	cfg := dispatch.DefaultConfig()
	if p := os.Getenv("FILTER_ENGINE_CONFIG"); p != "" {
		c, err := dispatch.LoadConfigYAML(p)
		if err != nil {
			log.Fatalf("engine config: %v", err)
		}
		cfg = c
	}
	reg := registry.New(cfg, registry.DefaultCacheSize)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var st srv.SubscriptionStore
	if dsn != "" {
		db, err := store.Open(ctx, dsn)
		if err != nil {
			log.Fatalf("store: %v", err)
		}
		defer db.Close()
		if err := db.InitSchema(ctx, os.Getenv("MIGRATIONS_PATH")); err != nil {
			log.Fatalf("init schema: %v", err)
		}
		st = db
	}

	server := srv.NewAppServer(reg, st)
	if n, err := server.RestoreFromStore(ctx); err != nil {
		log.Fatalf("restore subscriptions: %v", err)
	} else if n > 0 {
		log.Printf("restored %d subscriptions", n)
	}
	if groupsPath != "" {
		if loaded, skipped, err := server.LoadGroupsFromDir(ctx, groupsPath); err != nil {
			log.Printf("failed to load groups from %s: %v", groupsPath, err)
		} else {
			log.Printf("loaded groups from %s: loaded=%d skipped=%d", groupsPath, loaded, skipped)
		}
	}
	if _, err := reg.Engine(); err != nil {
		log.Fatalf("init engine: %v", err)
	}

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	log.Printf("filter server listening on %s (strategy=%s subscriptions=%d groups=%d)",
		addr, cfg.Strategy, reg.Len(), reg.UniqueGroups())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
