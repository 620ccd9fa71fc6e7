package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NewRouter wires every route of the service
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.logRequests)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/self", h.Self).Methods("GET")
	api.HandleFunc("/ready", h.Ready).Methods("GET")
	api.HandleFunc("/creditos/integrar-credito-constituido", h.SubmitCredits).Methods("POST")
	api.HandleFunc("/creditos/credito/{numeroCredito}", h.GetByCreditNumber).Methods("GET")
	api.HandleFunc("/creditos/credito/{numeroCredito}/saga", h.GetSaga).Methods("GET")
	api.HandleFunc("/creditos/{numeroNfse}", h.GetByInvoice).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	})
}
