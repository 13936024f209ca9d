package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/bridge"
)

// Bridge handlers

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.Status())
}

type healthResponse struct {
	OK        bool          `json:"ok"`
	Bridge    bridge.Status `json:"bridge"`
	Timestamp time.Time     `json:"timestamp"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	s := h.manager.Status()
	resp := healthResponse{OK: s.Healthy(), Bridge: s, Timestamp: h.now().UTC()}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) handleQRImage(w http.ResponseWriter, r *http.Request) {
	s := h.manager.Status()
	if s.QR == "" {
		h.writeError(w, NewNotFoundError("qr code"))
		return
	}

	png, err := qrcode.Encode(s.QR, qrcode.Medium, 512)
	if err != nil {
		h.writeError(w, NewInternalError(err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, NewInvalidInputError("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	history, err := h.transitions.GetTransitionHistory(r.Context(), limit)
	if err != nil {
		h.writeError(w, NewInternalError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	s, err := h.manager.Connect(r.Context())
	if err != nil {
		h.writeError(w, NewInternalError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, statusResponse{Success: true, Status: s})
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s, err := h.manager.Disconnect(r.Context())
	if err != nil {
		h.writeError(w, NewInternalError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, statusResponse{Success: true, Status: s})
}

func (h *Handler) handleResetAuth(w http.ResponseWriter, r *http.Request) {
	s, err := h.manager.ResetAuth(r.Context())
	if err != nil {
		h.writeError(w, NewInternalError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, statusResponse{Success: true, Status: s})
}

type pairRequest struct {
	Phone string `json:"phone"`
}

type pairResponse struct {
	Success           bool   `json:"success"`
	AlreadyRegistered bool   `json:"alreadyRegistered,omitempty"`
	Code              string `json:"code,omitempty"`
	Status            string `json:"status"`
	PairingCode       string `json:"pairingCode,omitempty"`
	Phone             string `json:"phone"`
}

func (h *Handler) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if apiErr := h.decode(w, r, &req); apiErr != nil {
		h.writeError(w, apiErr)
		return
	}

	res, err := h.manager.Pair(r.Context(), req.Phone)
	switch {
	case errors.Is(err, bridge.ErrInvalidPhone):
		h.writeError(w, NewInvalidPhoneError(err.Error()))
		return
	case errors.Is(err, bridge.ErrPairingFailed):
		h.writeError(w, NewPairingFailedError(err))
		return
	case err != nil:
		h.writeError(w, NewInternalError(err))
		return
	}

	resp := pairResponse{
		Success:     true,
		Status:      res.Status.Status.String(),
		PairingCode: res.PairingCode,
		Phone:       res.Phone,
	}
	if res.AlreadyRegistered {
		resp.AlreadyRegistered = true
		resp.Code = ErrAlreadyRegistered
	}
	h.writeJSON(w, http.StatusOK, resp)
}
