package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	timeless "github.com/awksedgreep/timeless"
	"github.com/awksedgreep/timeless/internal/config"
	"github.com/awksedgreep/timeless/internal/registry"
	"github.com/awksedgreep/timeless/internal/tier"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 10 * time.Second
	shutdownTimeout    = 30 * time.Second
	wsBroadcastPeriod  = 5 * time.Second
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log.Println("starting timeless server")

	dataDir := getenv("TIMELESS_DATA_DIR", "./data/timeless")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	cfg := config.LoadFromEnv(config.Default(dataDir))
	log.Printf("config: data_dir=%s shards=%d segment_duration=%ds", cfg.DataDir, cfg.Shards, cfg.SegmentDurationSecs)

	store, err := timeless.Open(cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	log.Println("store opened")

	hub := newHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.run(ctx)
	}()
	go func() {
		defer wg.Done()
		broadcastInfo(ctx, store, hub)
	}()

	router := mux.NewRouter()
	router.Use(corsMiddleware)

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/health", handleHealth).Methods("GET")
	api.HandleFunc("/write", handleWrite(store)).Methods("POST")
	api.HandleFunc("/write/batch", handleWriteBatch(store)).Methods("POST")
	api.HandleFunc("/query/range", handleQueryRange(store)).Methods("GET")
	api.HandleFunc("/query/instant", handleQueryInstant(store)).Methods("GET")
	api.HandleFunc("/metrics/list", handleListMetrics(store)).Methods("GET")
	api.HandleFunc("/labels/{name}/values", handleListLabelValues(store)).Methods("GET")
	api.HandleFunc("/series", handleListSeries(store)).Methods("GET")
	api.HandleFunc("/info", handleInfo(store)).Methods("GET")
	api.HandleFunc("/export", handleExport(store)).Methods("GET")
	api.HandleFunc("/import", handleImport(store)).Methods("POST")
	api.HandleFunc("/ws", handleWebSocket(hub)).Methods("GET")

	server := &http.Server{
		Addr:         ":" + getenv("TIMELESS_HTTP_PORT", "8080"),
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Printf("server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown warning: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("background tasks did not stop in time, forcing exit")
	}

	log.Println("timeless server exited")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "uptime": time.Since(startTime).String()})
}

var startTime = time.Now()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type writeRequest struct {
	Metric string            `json:"metric"`
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
	TS     int64             `json:"ts"`
}

func handleWrite(store *timeless.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req writeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := store.Write(r.Context(), req.Metric, req.Labels, req.Value, req.TS); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleWriteBatch(store *timeless.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reqs []writeRequest
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		points := make([]timeless.BatchPoint, len(reqs))
		for i, req := range reqs {
			points[i] = timeless.BatchPoint{Metric: req.Metric, Labels: req.Labels, Value: req.Value, TS: req.TS}
		}
		res := store.WriteBatch(r.Context(), points)
		writeJSON(w, http.StatusOK, map[string]int{"ok": res.OK, "err": res.Err})
	}
}

// parseMatchers turns every query parameter other than the reserved
// ones into an equality label matcher (name=value); richer operators
// are reachable through the Go API directly, not over HTTP.
func parseMatchers(r *http.Request) ([]*registry.Matcher, error) {
	var matchers []*registry.Matcher
	for name, values := range r.URL.Query() {
		switch name {
		case "metric", "from", "to", "step", "aggregator", "at":
			continue
		}
		if len(values) == 0 {
			continue
		}
		m, err := registry.NewMatcher(name, registry.OpEqual, values[0])
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

func handleQueryRange(store *timeless.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		metric := q.Get("metric")
		from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
		step, err3 := strconv.ParseInt(q.Get("step"), 10, 64)
		if metric == "" || err1 != nil || err2 != nil || err3 != nil {
			writeError(w, http.StatusBadRequest, errInvalidQuery)
			return
		}
		agg, err := tier.ParseAggregate(q.Get("aggregator"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		matchers, err := parseMatchers(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		points, err := store.QueryRange(r.Context(), metric, matchers, from, to, step, agg)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, points)
	}
}

func handleQueryInstant(store *timeless.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		metric := q.Get("metric")
		if metric == "" {
			writeError(w, http.StatusBadRequest, errInvalidQuery)
			return
		}
		var at int64
		if v := q.Get("at"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			at = parsed
		}
		matchers, err := parseMatchers(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		points, err := store.QueryInstant(metric, matchers, at)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, points)
	}
}

func handleListMetrics(store *timeless.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, store.ListMetrics())
	}
}

func handleListLabelValues(store *timeless.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		writeJSON(w, http.StatusOK, store.ListLabelValues(name))
	}
}

func handleListSeries(store *timeless.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metric := r.URL.Query().Get("metric")
		writeJSON(w, http.StatusOK, store.ListSeries(metric))
	}
}

func handleInfo(store *timeless.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := store.Info()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// handleExport serves a tier's decoded chunk buckets as a JSON backup
// file (teacher's pkg/export/handler.go HandleExport, adapted from raw
// metric export to tiered bucket export).
func handleExport(store *timeless.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tierName := q.Get("tier")
		if tierName == "" {
			writeError(w, http.StatusBadRequest, errInvalidQuery)
			return
		}
		var from int64
		if v := q.Get("from"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			from = parsed
		}
		to := time.Now().Unix()
		if v := q.Get("to"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			to = parsed
		}

		result, err := store.ExportTier(tierName, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="`+tierName+`-export.json"`)
		writeJSON(w, http.StatusOK, result)
	}
}

// handleImport re-ingests a previously exported tier backup (teacher's
// pkg/export/handler.go HandleImport).
func handleImport(store *timeless.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, errInvalidQuery)
			return
		}
		var data timeless.ExportResult
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := store.ImportTier(data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		log.Printf("import: tier=%s series_imported=%d chunks_written=%d errors=%d", data.Tier, result.SeriesImported, result.ChunksWritten, len(result.Errors))
		writeJSON(w, http.StatusOK, result)
	}
}

func broadcastInfo(ctx context.Context, store *timeless.Store, hub *hub) {
	ticker := time.NewTicker(wsBroadcastPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !hub.hasClients() {
				continue
			}
			info, err := store.Info()
			if err != nil {
				log.Printf("broadcast: info failed: %v", err)
				continue
			}
			payload, err := json.Marshal(info)
			if err != nil {
				continue
			}
			hub.broadcast(payload)
		}
	}
}

var errInvalidQuery = errors.New("invalid or missing query parameters")
