package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stanstork/ga4-ingest/internal/handlers"
)

// NewRouter sets up the API routes. metrics is mounted at metricsPath when
// both are set.
func NewRouter(ingest *handlers.IngestHandler, metrics http.Handler, metricsPath string) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/health/", handlers.HealthCheck).Methods(http.MethodGet)

	ga := router.PathPrefix("/ga").Subrouter()
	ga.HandleFunc("/run", ingest.Run).Methods(http.MethodPost)
	ga.HandleFunc("/status/{job_id}", ingest.Status).Methods(http.MethodGet)
	ga.HandleFunc("/counts", ingest.Counts).Methods(http.MethodGet)

	if metrics != nil && metricsPath != "" {
		router.Handle(metricsPath, metrics).Methods(http.MethodGet)
	}

	return router
}
