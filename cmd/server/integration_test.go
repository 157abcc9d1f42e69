package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	timeless "github.com/awksedgreep/timeless"
	"github.com/awksedgreep/timeless/internal/config"
)

func newTestStore(t *testing.T) *timeless.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "timeless-e2e-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default(dir)
	cfg.Shards = 2
	st, err := timeless.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func setupRouter(store *timeless.Store) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)
	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/health", handleHealth).Methods("GET")
	api.HandleFunc("/write", handleWrite(store)).Methods("POST")
	api.HandleFunc("/write/batch", handleWriteBatch(store)).Methods("POST")
	api.HandleFunc("/query/range", handleQueryRange(store)).Methods("GET")
	api.HandleFunc("/query/instant", handleQueryInstant(store)).Methods("GET")
	api.HandleFunc("/metrics/list", handleListMetrics(store)).Methods("GET")
	api.HandleFunc("/series", handleListSeries(store)).Methods("GET")
	api.HandleFunc("/info", handleInfo(store)).Methods("GET")
	return router
}

func TestE2E_WriteAndQueryRange(t *testing.T) {
	store := newTestStore(t)
	router := setupRouter(store)

	now := time.Now().Unix()
	body, _ := json.Marshal(writeRequest{Metric: "cpu_usage", Labels: map[string]string{"host": "server1"}, Value: 75.5, TS: now})
	req := httptest.NewRequest("POST", "/v1/write", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// give the write buffer's flush ticker a chance to land the point
	time.Sleep(50 * time.Millisecond)

	queryURL := "/v1/query/range?metric=cpu_usage&host=server1&from=" +
		strconv.FormatInt(now-3600, 10) + "&to=" + strconv.FormatInt(now+3600, 10) + "&step=60&aggregator=avg"
	req = httptest.NewRequest("GET", queryURL, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestE2E_WriteBatchAndInstant(t *testing.T) {
	store := newTestStore(t)
	router := setupRouter(store)

	now := time.Now().Unix()
	batch := []writeRequest{
		{Metric: "mem_usage", Labels: map[string]string{"host": "a"}, Value: 10, TS: now},
		{Metric: "mem_usage", Labels: map[string]string{"host": "b"}, Value: 20, TS: now},
	}
	body, _ := json.Marshal(batch)
	req := httptest.NewRequest("POST", "/v1/write/batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var res map[string]int
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	require.Equal(t, 2, res["ok"])

	req = httptest.NewRequest("GET", "/v1/query/instant?metric=mem_usage", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestE2E_InvalidRequests(t *testing.T) {
	store := newTestStore(t)
	router := setupRouter(store)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{name: "wrong method for write", method: "GET", path: "/v1/write", wantStatus: http.StatusNotFound},
		{name: "invalid JSON", method: "POST", path: "/v1/write", body: "{invalid json}", wantStatus: http.StatusBadRequest},
		{name: "missing metric on range query", method: "GET", path: "/v1/query/range?from=1&to=2&step=1", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestE2E_Info(t *testing.T) {
	store := newTestStore(t)
	router := setupRouter(store)

	req := httptest.NewRequest("GET", "/v1/info", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHub_BroadcastWithNoClients(t *testing.T) {
	h := newHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.run(ctx)
	defer cancel()

	require.False(t, h.hasClients())
	h.broadcast([]byte(`{"ok":true}`))
}
