package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"tenderbackend/dashboard"
	"tenderbackend/objstore"
	"tenderbackend/obs"
	"tenderbackend/playbook"
	"tenderbackend/ragclient"
	"tenderbackend/redislock"
	"tenderbackend/store"
	"tenderbackend/streamq"
	"tenderbackend/tender"
)

func main() {
	shutdownObs, _ := obs.Init("tender-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Stores: Redis when REDIS_ADDR is set (multi-pod), in-memory otherwise
	// (single-pod dev; state dies with the process).
	var (
		tenderStore store.TenderStore
		itemStore   store.ValidationStore
		rdb         *redis.Client
	)
	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
			DB:       readEnvIntDefault("REDIS_DB", 0),
		})
		ts, err := store.NewRedisTenderStore(rdb)
		if err != nil {
			log.Fatalf("init redis tender store failed: %v", err)
		}
		is, err := store.NewRedisValidationStore(rdb)
		if err != nil {
			log.Fatalf("init redis validation store failed: %v", err)
		}
		tenderStore, itemStore = ts, is
	} else {
		log.Printf("REDIS_ADDR empty: using in-memory stores (single pod only)")
		tenderStore = store.NewInMemoryTenderStore()
		itemStore = store.NewInMemoryValidationStore()
	}

	var ossSt *objstore.Store
	if st, enabled, err := objstore.NewFromEnv(); err != nil {
		if enabled {
			log.Fatalf("init oss store failed: %v", err)
		}
	} else if enabled {
		ossSt = st
		log.Printf("oss store enabled bucket=%s", st.Bucket())
	} else {
		log.Printf("OSS_BUCKET empty: uploads and result artifacts disabled")
	}

	var fetcher ragclient.ObjectFetcher
	if ossSt != nil {
		fetcher = ossSt
	}
	rag, ragEnabled, err := ragclient.NewFromEnv(context.Background(), fetcher)
	if err != nil {
		log.Fatalf("init rag client failed: %v", err)
	}
	if !ragEnabled {
		log.Printf("GEMINI_API_KEY empty: rag ingestion/generation disabled")
	}

	pb, err := playbook.LoadFromEnv()
	if err != nil {
		log.Fatalf("load playbook failed: %v", err)
	}

	// Queue is opt-in: with TENDER_STREAM_KEY set, process runs hand off to
	// the playbook-worker; otherwise the playbook runs in the handler.
	var q streamq.TenderQueue
	var lock *redislock.Client
	streamKey := strings.TrimSpace(os.Getenv("TENDER_STREAM_KEY"))
	if streamKey != "" {
		if rdb == nil {
			log.Fatalf("TENDER_STREAM_KEY set but REDIS_ADDR empty")
		}
		group := readEnvDefault("TENDER_STREAM_GROUP", "tender-playbook")
		maxLen := int64(readEnvIntDefault("TENDER_STREAM_MAXLEN", 100000))
		q = streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen)
		log.Printf("playbook queue enabled stream=%s group=%s", streamKey, group)
	}
	if rdb != nil {
		lock = redislock.New(rdb, readEnvDefault("TENDER_LOCK_PREFIX", "tender:lock:process:"))
	}

	var ing ragclient.Ingestor
	var ans ragclient.Answerer
	if rag != nil {
		ing, ans = rag, rag
	}
	runner := tender.NewRunner(tenderStore, ossSt, ing, ans, pb, q, lock)
	tender.NewService(runner).RegisterRoutes(mux)
	dashboard.NewService(itemStore, tenderStore).RegisterRoutes(mux)

	addr := ":" + readEnvDefault("PORT", "8080")
	log.Printf("tender api listening on %s", addr)
	// Wrap order: cors -> otel/metrics -> mux
	handler := corsMiddleware(obs.WrapHTTP("tender-api", mux))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
