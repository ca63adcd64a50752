package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-registration/internal/admission"
	"ms-registration/internal/confirmation"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/utils"
)

type Handler struct {
	Service *admission.AdmissionService
	QR      *confirmation.QRGenerator
	Logger  *logger.Logger
}

func NewHandler(service *admission.AdmissionService, qr *confirmation.QRGenerator, log *logger.Logger) *Handler {
	return &Handler{Service: service, QR: qr, Logger: log}
}

// AdmitRegistration handles POST /api/v1/registrations.
func (h *Handler) AdmitRegistration(w http.ResponseWriter, r *http.Request) {
	var req models.AdmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure("Invalid request body", err.Error()))
		return
	}

	resp, err := h.Service.AdmitRegistration(r.Context(), req)
	if err != nil {
		h.writeError(w, "Could not admit registration", err)
		return
	}
	writeJSON(w, http.StatusCreated, success("Registration admitted", resp))
}

// CancelRegistration handles POST /api/v1/registrations/{registrationId}/cancel.
func (h *Handler) CancelRegistration(w http.ResponseWriter, r *http.Request) {
	registrationID := chi.URLParam(r, "registrationId")
	reg, err := h.Service.CancelRegistration(r.Context(), registrationID)
	if err != nil {
		h.writeError(w, "Could not cancel registration", err)
		return
	}
	writeJSON(w, http.StatusOK, success("Registration cancelled", reg))
}

// GetRegistration handles GET /api/v1/registrations/{registrationId}.
func (h *Handler) GetRegistration(w http.ResponseWriter, r *http.Request) {
	registrationID := chi.URLParam(r, "registrationId")
	reg, err := h.Service.GetRegistration(r.Context(), registrationID)
	if err != nil {
		h.writeError(w, "Could not fetch registration", err)
		return
	}
	writeJSON(w, http.StatusOK, success("Registration found", reg))
}

// CurrentBatch handles GET /api/v1/events/{eventId}/batches/current.
func (h *Handler) CurrentBatch(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	modalityID := r.URL.Query().Get("modality_id")
	resp, err := h.Service.CurrentBatch(r.Context(), eventID, modalityID)
	if err != nil {
		h.writeError(w, "Could not resolve current batch", err)
		return
	}
	writeJSON(w, http.StatusOK, success("Current batch", resp))
}

// ConfirmationQR handles GET /api/v1/registrations/{registrationId}/qr.
// Returns the encrypted check-in QR as PNG; only confirmed registrations
// have one.
func (h *Handler) ConfirmationQR(w http.ResponseWriter, r *http.Request) {
	registrationID := chi.URLParam(r, "registrationId")
	reg, err := h.Service.GetRegistration(r.Context(), registrationID)
	if err != nil {
		h.writeError(w, "Could not fetch registration", err)
		return
	}
	if reg.Status != models.RegistrationStatusConfirmed {
		writeJSON(w, http.StatusConflict, failure("Registration is not confirmed", "no confirmation QR for status "+reg.Status))
		return
	}

	png, err := h.QR.GenerateEncryptedQR(*reg, utils.GenerateConfirmationCode())
	if err != nil {
		h.writeError(w, "Could not generate confirmation QR", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, success("ok", nil))
}

func (h *Handler) writeError(w http.ResponseWriter, message string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error("API", message+": "+err.Error())
	}
	writeJSON(w, status, failure(message, err.Error()))
}

// statusForError maps the admission taxonomy onto HTTP statuses. The error
// kind tells the caller exactly which capacity level or rule blocked the
// admission.
func statusForError(err error) int {
	switch {
	case errors.Is(err, admission.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, admission.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, admission.ErrEventFull),
		errors.Is(err, admission.ErrModalityFull),
		errors.Is(err, admission.ErrBatchFull),
		errors.Is(err, admission.ErrBatchNotSellable),
		errors.Is(err, admission.ErrSoldOutNoNextBatch),
		errors.Is(err, admission.ErrAlreadyRegistered),
		errors.Is(err, admission.ErrAlreadyCancelled):
		return http.StatusConflict
	case errors.Is(err, admission.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
