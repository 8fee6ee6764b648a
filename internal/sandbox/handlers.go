package sandbox

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/zombor/receipt-ingest/internal/expense"
)

// maxUploadBody leaves room for multipart framing around the largest image
const maxUploadBody = expense.MaxImageSize + 1<<20

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeAck answers the way the production backend acknowledges updates
func writeAck(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"RESULT": "SUCCESS"})
}

// writeServiceError maps service errors onto status codes
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, ErrNotDraft):
		writeError(w, http.StatusConflict, "Only draft expenses can be changed")
	case errors.Is(err, ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "File is too large. Please compress or resize your image.")
	case errors.Is(err, ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, "Unsupported file type. Upload a JPEG, PNG, GIF, HEIC or PDF receipt.")
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Shutting down")
	default:
		slog.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}

func decodeFields(w http.ResponseWriter, r *http.Request) (expense.Fields, bool) {
	var fields expense.Fields
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return fields, false
	}
	return fields, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateExpense creates a draft and answers with its id
func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	draft, err := s.service.CreateExpense(fields)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"result": draft.ID})
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.service.ListExpenses()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, expenses)
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	draft, err := s.service.GetExpense(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	if _, err := s.service.UpdateExpense(id, fields); err != nil {
		writeServiceError(w, err)
		return
	}
	writeAck(w)
}

// handleSubmitExpense submits a draft; the body is optional
func (s *Server) handleSubmitExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		RequestNote string `json:"requestNote"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if _, err := s.service.SubmitExpense(id, body.RequestNote); err != nil {
		writeServiceError(w, err)
		return
	}
	writeAck(w)
}

// handleUploadReceipt stores a receipt for the expense named by the expenseId field
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeServiceError(w, ErrTooLarge)
			return
		}
		slog.Error("Error parsing multipart form", "error", err)
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	expenseID, err := strconv.ParseInt(r.FormValue("expenseId"), 10, 64)
	if err != nil || expenseID <= 0 {
		writeError(w, http.StatusBadRequest, "expenseId is required")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file was selected. Please choose a file to upload.")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	receipt, err := s.service.UploadReceipt(expenseID, header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"result": receipt.ID})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	receipt, err := s.service.GetReceipt(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleGetReceiptImage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	data, contentType, err := s.service.GetReceiptImage(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleGetExtraction answers 404 until the scanner has stored a result
func (s *Server) handleGetExtraction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	extraction, err := s.service.GetExtraction(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, extraction)
}
