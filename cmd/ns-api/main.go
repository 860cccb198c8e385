package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"Go2NetSpectra/internal/config"
	"Go2NetSpectra/internal/query"
)

func main() {
	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	querier, err := query.NewClickHouseQuerier(cfg.ClickHouse)
	if err != nil {
		log.Fatalf("Failed to create querier: %v", err)
	}

	r := mux.NewRouter()
	apiHandler := &APIHandler{querier: querier}

	r.HandleFunc("/api/v1/metrics/aggregate", apiHandler.aggregateBucketsHandler).Methods("GET")
	r.HandleFunc("/api/v1/metrics/{metric}/dimensions/{key}/trace", apiHandler.traceDimensionHandler).Methods("GET")

	server := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("API server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", server.Addr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("API server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("API server exited.")
}

// APIHandler holds the dependencies for API handlers.
type APIHandler struct {
	querier query.Querier
}

func parseEndTime(r *http.Request) time.Time {
	raw := r.URL.Query().Get("end_time")
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// aggregateBucketsHandler handles per-metric bucket summaries, optionally
// restricted to a single metric name via the ?metric= query parameter.
func (h *APIHandler) aggregateBucketsHandler(w http.ResponseWriter, r *http.Request) {
	metricName := r.URL.Query().Get("metric")

	summaries, err := h.querier.AggregateBuckets(r.Context(), metricName, parseEndTime(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}

// traceDimensionHandler handles tracing a single metric+dimension key's
// lifecycle.
func (h *APIHandler) traceDimensionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	lifecycle, err := h.querier.TraceDimension(r.Context(), vars["metric"], vars["key"], parseEndTime(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(lifecycle)
}
