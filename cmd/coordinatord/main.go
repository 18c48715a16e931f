// Command coordinatord runs the crawl coordinator: the workerproto hub,
// the HTTP submit/submit_batch/status/drain/resume/stop API, and the
// Prometheus metrics endpoint.
//
// Grounded on control_plane/main.go's env-var-driven wiring (Redis
// address, shard index/count, scheduler concurrency all read from
// os.Getenv with sane defaults, then a single flat main() that
// constructs every component in dependency order and blocks on
// ListenAndServe).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/crawlforge/crawlforge/coordinator"
	"github.com/crawlforge/crawlforge/engine"
	"github.com/crawlforge/crawlforge/internal/apiauth"
	"github.com/crawlforge/crawlforge/internal/checkpoint"
	"github.com/crawlforge/crawlforge/internal/observability"
	"github.com/crawlforge/crawlforge/internal/signing"
	"github.com/crawlforge/crawlforge/internal/workerproto"
	"github.com/crawlforge/crawlforge/sinks/mongosink"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("coordinatord: invalid duration for %s=%q, using default %s", key, v, fallback)
	}
	return fallback
}

func main() {
	jobID := envOr("CRAWLFORGE_JOB_ID", "default")
	listenAddr := envOr("CRAWLFORGE_LISTEN_ADDR", ":8090")

	var wal checkpoint.WAL
	var snap checkpoint.SnapshotStore

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("coordinatord: connect to redis at %s: %v", redisAddr, err)
		}
		wal = checkpoint.NewRedisWAL(client)
		log.Printf("coordinatord: using Redis WAL at %s", redisAddr)
	} else {
		wal = checkpoint.NewMemoryWAL()
		log.Println("coordinatord: REDIS_ADDR unset, using in-memory WAL (not durable across restarts)")
	}

	if pgConn := os.Getenv("POSTGRES_CONN"); pgConn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := checkpoint.NewPostgresSnapshotStore(ctx, pgConn)
		cancel()
		if err != nil {
			log.Fatalf("coordinatord: connect to postgres: %v", err)
		}
		snap = store
		log.Println("coordinatord: using Postgres snapshot store")
	} else {
		snap = checkpoint.NewMemorySnapshotStore()
		log.Println("coordinatord: POSTGRES_CONN unset, using in-memory snapshot store (not durable across restarts)")
	}

	var sink coordinator.Sink
	if mongoURI := os.Getenv("MONGO_URI"); mongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ms, err := mongosink.New(ctx, mongoURI, envOr("MONGO_DATABASE", "crawlforge"), envOr("MONGO_COLLECTION", "records"))
		cancel()
		if err != nil {
			log.Fatalf("coordinatord: connect to mongo: %v", err)
		}
		sink = ms
		log.Println("coordinatord: writing records to MongoDB")
	} else {
		log.Fatal("coordinatord: MONGO_URI is required (no sink configured)")
	}

	cfg := engine.DefaultConfig
	cfg.HeartbeatTimeout = envDuration("CRAWLFORGE_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.LeaseTimeout = envDuration("CRAWLFORGE_LEASE_TIMEOUT", cfg.LeaseTimeout)
	cfg.LongPollTimeout = envDuration("CRAWLFORGE_LONGPOLL_TIMEOUT", cfg.LongPollTimeout)

	var signer coordinator.SignatureProvider
	if keyPath := os.Getenv("CRAWLFORGE_SIGNING_KEY_PATH"); keyPath != "" {
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			log.Fatalf("coordinatord: read signing key %s: %v", keyPath, err)
		}
		privateKey, err := signing.LoadPrivateKeyPEM(keyBytes)
		if err != nil {
			log.Fatalf("coordinatord: parse signing key %s: %v", keyPath, err)
		}
		signer = signing.NewSigner(privateKey, jobID)
		log.Println("coordinatord: signing outbound requests with", keyPath)
	}

	coord := engine.New(jobID, nil, sink, signer, observability.NewEmitter(), wal, snap, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord.Start(ctx)

	hub := workerproto.NewHub(coord).WithLongPollTimeout(cfg.LongPollTimeout)

	var authn *apiauth.Authenticator
	if secret := os.Getenv("CRAWLFORGE_API_SECRET"); secret != "" {
		a, err := apiauth.NewAuthenticator([]byte(secret), jobID)
		if err != nil {
			log.Fatalf("coordinatord: configure API auth: %v", err)
		}
		authn = a
		log.Println("coordinatord: operator API requires a bearer token")
	}
	protect := func(h http.HandlerFunc) http.Handler {
		if authn == nil {
			return h
		}
		return authn.Middleware(h)
	}
	// requireJob rejects a request naming a different job than this process
	// serves — this coordinator is single-job-per-process, so crawlctl's
	// --job is a guard against pointing a CLI at the wrong coordinator, not
	// a routing key.
	requireJob := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if want := r.Header.Get("X-Crawlforge-Job"); want != "" && want != jobID {
				http.Error(w, fmt.Sprintf("coordinator serves job %q, not %q", jobID, want), http.StatusConflict)
				return
			}
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/workers", hub)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/submit", protect(requireJob(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req coordinator.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		id, err := coord.Submit(&req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"request_id": id})
	})))
	mux.Handle("/submit_batch", protect(requireJob(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var reqs []*coordinator.Request
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		ids, err := coord.SubmitBatch(reqs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(map[string][]string{"request_ids": ids})
	})))
	mux.Handle("/status", protect(requireJob(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(coord.Status())
	})))
	mux.Handle("/drain", protect(requireJob(func(w http.ResponseWriter, r *http.Request) {
		if err := coord.Drain(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		w.WriteHeader(http.StatusOK)
	})))
	mux.Handle("/resume", protect(requireJob(func(w http.ResponseWriter, r *http.Request) {
		snap, err := coord.Resume(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(snap)
	})))

	server := &http.Server{Addr: listenAddr, Handler: mux}

	// stopAndShutdown runs the Coordinator's stop sequence and then closes
	// the HTTP server; shared by the /stop endpoint and the OS signal
	// handler below. Must run in its own goroutine when triggered from an
	// HTTP handler, since http.Server.Shutdown blocks until in-flight
	// handlers return.
	stopAndShutdown := func(force bool) {
		log.Printf("coordinatord: stopping (force=%v)", force)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := coord.Stop(shutdownCtx, force); err != nil {
			log.Printf("coordinatord: stop error: %v", err)
		}
		server.Shutdown(shutdownCtx)
	}

	mux.Handle("/stop", protect(requireJob(func(w http.ResponseWriter, r *http.Request) {
		force := r.URL.Query().Get("force") == "true"
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("stopping"))
		go stopAndShutdown(force)
	})))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("coordinatord: shutdown signal received, draining")
		stopAndShutdown(false)
	}()

	log.Printf("coordinatord: job %s listening on %s", jobID, listenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("coordinatord: server error: %v", err)
	}
}
