package api

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/whatsapp"
)

// Messaging handlers

type sendRequest struct {
	Phone   string `json:"phone"`
	To      string `json:"to"`
	Message string `json:"message"`
}

type sendDocumentRequest struct {
	To       string `json:"to"`
	Phone    string `json:"phone"`
	Document string `json:"document"`
	FileName string `json:"fileName"`
	Caption  string `json:"caption"`
	MimeType string `json:"mimetype"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if apiErr := h.decode(w, r, &req); apiErr != nil {
		h.writeError(w, apiErr)
		return
	}

	to := firstNonEmpty(req.Phone, req.To)
	if to == "" {
		h.writeError(w, NewInvalidInputError("phone or to is required"))
		return
	}
	if req.Message == "" {
		h.writeError(w, NewInvalidInputError("message is required"))
		return
	}

	res, err := h.manager.SendText(r.Context(), to, req.Message)
	if err != nil {
		h.writeError(w, sendError(err, h.manager.Status()))
		return
	}
	h.writeJSON(w, http.StatusOK, sendResponse{Success: true, ID: res.ID})
}

func (h *Handler) handleSendDocument(w http.ResponseWriter, r *http.Request) {
	var req sendDocumentRequest
	if apiErr := h.decode(w, r, &req); apiErr != nil {
		h.writeError(w, apiErr)
		return
	}

	to := firstNonEmpty(req.To, req.Phone)
	if to == "" {
		h.writeError(w, NewInvalidInputError("to or phone is required"))
		return
	}
	if req.Document == "" {
		h.writeError(w, NewInvalidInputError("document is required"))
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		h.writeError(w, NewInvalidInputError("fileName is required"))
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Document)
	if err != nil {
		h.writeError(w, NewInvalidInputError("document must be base64: "+err.Error()))
		return
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	res, err := h.manager.SendDocument(r.Context(), to, whatsapp.Document{
		Data:     data,
		FileName: req.FileName,
		Caption:  req.Caption,
		MimeType: mimeType,
	})
	if err != nil {
		h.writeError(w, sendError(err, h.manager.Status()))
		return
	}
	h.writeJSON(w, http.StatusOK, sendResponse{Success: true, ID: res.ID})
}

func (h *Handler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msg, err := h.sent.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, lookupError(err, "message "+id))
		return
	}
	h.writeJSON(w, http.StatusOK, msg)
}
