package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

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
	shutdownObs, _ := obs.Init("playbook-worker")
	defer func() { _ = shutdownObs(context.Background()) }()

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR empty: worker mode requires redis")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DB:       readEnvIntDefault("REDIS_DB", 0),
	})

	tenderStore, err := store.NewRedisTenderStore(rdb)
	if err != nil {
		log.Fatalf("init redis tender store failed: %v", err)
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
		log.Fatalf("OSS_BUCKET empty: worker cannot write result artifacts")
	}

	rag, ragEnabled, err := ragclient.NewFromEnv(context.Background(), ossSt)
	if err != nil {
		log.Fatalf("init rag client failed: %v", err)
	}
	if !ragEnabled {
		log.Printf("GEMINI_API_KEY empty: playbook answers will be empty")
	}

	pb, err := playbook.LoadFromEnv()
	if err != nil {
		log.Fatalf("load playbook failed: %v", err)
	}

	streamKey := strings.TrimSpace(os.Getenv("TENDER_STREAM_KEY"))
	if streamKey == "" {
		log.Fatalf("TENDER_STREAM_KEY empty")
	}
	group := readEnvDefault("TENDER_STREAM_GROUP", "tender-playbook")
	maxLen := int64(readEnvIntDefault("TENDER_STREAM_MAXLEN", 100000))
	q := streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen)

	ctx, cancel := signalContext()
	defer cancel()

	if err := q.EnsureGroup(ctx); err != nil {
		log.Fatalf("ensure stream group failed: %v", err)
	}

	lock := redislock.New(rdb, readEnvDefault("TENDER_LOCK_PREFIX", "tender:lock:process:"))

	var ing ragclient.Ingestor
	var ans ragclient.Answerer
	if rag != nil {
		ing, ans = rag, rag
	}
	// Worker never enqueues; nil queue keeps Process synchronous here.
	runner := tender.NewRunner(tenderStore, ossSt, ing, ans, pb, nil, lock)

	consumerName := strings.TrimSpace(os.Getenv("WORKER_CONSUMER_NAME"))
	if consumerName == "" {
		consumerName = strings.TrimSpace(os.Getenv("HOSTNAME"))
	}
	cons := streamq.NewConsumer(rdb, streamKey, group, consumerName)
	cons.SetConcurrency(readEnvIntDefault("STREAM_CONCURRENCY", 4))
	log.Printf("playbook-worker start stream=%s group=%s consumer=%s", streamKey, group, consumerName)

	go serveMetrics(readEnvDefault("METRICS_ADDR", ":9090"))

	err = cons.ConsumeLoop(ctx, func(ctx context.Context, tenderID string) error {
		// Handler must never crash the loop; run outcomes are persisted on
		// the session, metrics are recorded inside Process.
		return runner.ProcessFromQueue(ctx, tenderID)
	})
	if err != nil && err != context.Canceled {
		log.Fatalf("consume loop exited: %v", err)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("playbook-worker-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
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
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}
