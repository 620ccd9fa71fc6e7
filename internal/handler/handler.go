package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Dan9191/credit-service/internal/models"
	"github.com/Dan9191/credit-service/internal/service"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Version is reported by the self health check
var Version = "1.0.0"

type Handler struct {
	svc *service.Service
	log *logrus.Logger
}

func NewHandler(svc *service.Service, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

type errorResponse struct {
	Error   string              `json:"error"`
	Details []models.FieldError `json:"details,omitempty"`
}

type submitResponse struct {
	Success  bool `json:"success"`
	Accepted int  `json:"accepted"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error, fallback string) {
	var fields models.ValidationErrors
	switch {
	case errors.As(err, &fields):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Details: fields})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fallback + ": not found"})
	default:
		h.log.Errorf("%s: %v", fallback, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: fallback})
	}
}

// SubmitCredits handles credit integration requests
func (h *Handler) SubmitCredits(w http.ResponseWriter, r *http.Request) {
	var msgs []models.CreditMessage
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	h.log.Infof("Received request to integrate %d credits", len(msgs))
	n, err := h.svc.SubmitCredits(r.Context(), msgs)
	if err != nil {
		h.writeError(w, err, "failed to integrate credits")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Success: true, Accepted: n})
}

// GetByInvoice handles paginated lookups by invoice number
func (h *Handler) GetByInvoice(w http.ResponseWriter, r *http.Request) {
	invoice := mux.Vars(r)["numeroNfse"]
	page, err := queryInt(r, "pageNumber", 1)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "pageNumber must be a positive integer"})
		return
	}
	size, err := queryInt(r, "pageSize", service.DefaultPageSize)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "pageSize must be a positive integer"})
		return
	}

	result, err := h.svc.GetByInvoice(r.Context(), invoice, page, size)
	if err != nil {
		h.writeError(w, err, "failed to get credits by invoice")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetByCreditNumber handles lookups of a single credit
func (h *Handler) GetByCreditNumber(w http.ResponseWriter, r *http.Request) {
	credit, err := h.svc.GetByCreditNumber(r.Context(), mux.Vars(r)["numeroCredito"])
	if err != nil {
		h.writeError(w, err, "failed to get credit")
		return
	}
	writeJSON(w, http.StatusOK, credit)
}

// GetSaga reports the lifecycle state of a credit
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.SagaStatus(r.Context(), mux.Vars(r)["numeroCredito"])
	if err != nil {
		h.writeError(w, err, "failed to get credit saga")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Self reports that the process is up
func (h *Handler) Self(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "credit-service",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	})
}

// Ready reports whether dependencies answer
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks, err := h.svc.Readiness(r.Context())
	status, code := "Healthy", http.StatusOK
	if err != nil {
		h.log.Warnf("Readiness check failed: %v", err)
		status, code = "Unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
