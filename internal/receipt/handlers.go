package receipt

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/zapfinance/receipts/internal/scanning"
	"github.com/zapfinance/receipts/internal/whatsapp"
)

// 50MB handles high-resolution phone photos
const maxUploadSize = int64(50 << 20)

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps pipeline and store errors onto HTTP status codes
func statusFor(err error) int {
	var apiErr *scanning.ExtractionAPIError
	switch {
	case errors.Is(err, ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	case errors.Is(err, scanning.ErrExtractionUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		message = "Internal server error"
	}
	writeErrorMessage(w, status, message)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUploadReceipt accepts a multipart form with the image in "file" and
// the owner_id, description, amount and category fields
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErrorMessage(w, http.StatusRequestEntityTooLarge, "File is too large. Maximum size is 50MB.")
			return
		}
		writeErrorMessage(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		s.logger.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeErrorMessage(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	var amount *decimal.Decimal
	if raw := strings.TrimSpace(r.FormValue("amount")); raw != "" {
		d, err := decimal.NewFromString(strings.Replace(raw, ",", ".", 1))
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "Invalid amount")
			return
		}
		amount = &d
	}

	receipt, err := s.pipeline.Upload(r.Context(), UploadRequest{
		OwnerID:     r.FormValue("owner_id"),
		FileName:    header.Filename,
		MIMEType:    contentTypeFor(header.Header.Get("Content-Type"), header.Filename),
		Data:        data,
		Description: r.FormValue("description"),
		Amount:      amount,
		Category:    r.FormValue("category"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusCreated, receipt); err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}

// contentTypeFor falls back to the file extension when the part has no type
func contentTypeFor(declared, filename string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	}
	// empty lets the pipeline sniff the bytes
	return ""
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	result, err := s.service.List(r.Context(), ListFilter{
		OwnerID:  q.Get("owner_id"),
		Search:   q.Get("q"),
		Category: q.Get("category"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, result); err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, receipt); err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}

func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.File(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request) {
	var params UpdateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	receipt, err := s.service.Update(r.Context(), chi.URLParam(r, "id"), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, receipt); err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}

func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleVerifyWebhook answers the provider's subscription handshake
func (s *Server) handleVerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")

	if mode != "subscribe" || s.verifyToken == "" || token != s.verifyToken {
		s.logger.Warn("Webhook verification failed", "mode", mode, "token_valid", token == s.verifyToken)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.logger.Info("Webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, q.Get("hub.challenge"))
}

// handleReceiveWebhook processes every message of the delivery before answering.
// Per-message failures are reported to the sender and logged, never to the provider.
func (s *Server) handleReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	var req whatsapp.WebhookRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Object != whatsapp.BusinessAccountObject {
		writeErrorMessage(w, http.StatusBadRequest, "Unsupported object")
		return
	}

	for _, msg := range req.Messages() {
		s.pipeline.HandleMessage(r.Context(), msg)
	}

	w.WriteHeader(http.StatusOK)
}
