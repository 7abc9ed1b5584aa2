package console

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shubhamb0439-gif/crm-admin/pkg/constants"
	"github.com/shubhamb0439-gif/crm-admin/pkg/realtime"
	"github.com/shubhamb0439-gif/crm-admin/pkg/rest"
)

// NewHandler serves the status surface of s and read access to its views:
//
//	GET  /healthz
//	GET  /status
//	GET  /metrics
//	POST /api/auth/signin
//	POST /api/auth/signout
//	GET  /api/leads
//	GET  /api/leads/{id}
//	GET  /api/assessments/{email}
//	GET  /api/bookings
//	GET  /api/bookings/{email}
//	GET  /api/services
func NewHandler(s *Service) http.Handler {
	h := &handler{service: s}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/signin", h.handleSignIn).Methods(http.MethodPost)
	api.HandleFunc("/auth/signout", h.handleSignOut).Methods(http.MethodPost)
	api.HandleFunc("/leads", h.handleList(s.views.Leads())).Methods(http.MethodGet)
	api.HandleFunc("/leads/{id}", h.handleLead).Methods(http.MethodGet)
	api.HandleFunc("/assessments/{email}", h.handleAssessment).Methods(http.MethodGet)
	api.HandleFunc("/bookings", h.handleList(s.views.Bookings())).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{email}", h.handleBooking).Methods(http.MethodGet)
	api.HandleFunc("/services", h.handleList(s.views.Services())).Methods(http.MethodGet)
	return router
}

type handler struct {
	service *Service
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondBackendError maps a failed backend read to a response status.
func respondBackendError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if code := rest.StatusOf(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
		status = code
	}
	respondError(w, status, err.Error())
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.service.Status())
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	session, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{
			"email":      session.User.Email,
			"expires_at": session.ExpiresAt,
		})
	case errors.Is(err, constants.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, "Invalid login credentials")
	case errors.Is(err, constants.ErrNotAdmin):
		respondError(w, http.StatusForbidden, "Not authorized as admin")
	default:
		respondBackendError(w, err)
	}
}

func (h *handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	err := h.service.SignOut(r.Context())
	if errors.Is(err, constants.ErrNoSession) {
		respondError(w, http.StatusConflict, "Not signed in")
		return
	}
	// the local session is gone even if the backend logout failed
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleList(view *realtime.View[[]rest.Row]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := view.Get(r.Context())
		if err != nil {
			respondBackendError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, rows)
	}
}

func (h *handler) respondSingle(w http.ResponseWriter, r *http.Request, view *realtime.View[rest.Row], what string) {
	row, err := view.Get(r.Context())
	if err != nil {
		respondBackendError(w, err)
		return
	}
	if row == nil {
		respondError(w, http.StatusNotFound, what+" not found")
		return
	}
	respondJSON(w, http.StatusOK, row)
}

func (h *handler) handleLead(w http.ResponseWriter, r *http.Request) {
	h.respondSingle(w, r, h.service.views.Lead(mux.Vars(r)["id"]), "Lead")
}

func (h *handler) handleAssessment(w http.ResponseWriter, r *http.Request) {
	h.respondSingle(w, r, h.service.views.LeadAssessment(mux.Vars(r)["email"]), "Assessment")
}

func (h *handler) handleBooking(w http.ResponseWriter, r *http.Request) {
	h.respondSingle(w, r, h.service.views.LeadBooking(mux.Vars(r)["email"]), "Booking")
}
