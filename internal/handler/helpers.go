package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/spagchat/internal/logger"
	"github.com/spagchat/internal/service"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

var kindStatus = map[service.Kind]int{
	service.KindValidation: http.StatusBadRequest,
	service.KindNotFound:   http.StatusNotFound,
	service.KindForbidden:  http.StatusForbidden,
	service.KindConflict:   http.StatusConflict,
	service.KindDependency: http.StatusServiceUnavailable,
}

// writeServiceError переводит вид ошибки сервиса в HTTP-статус; детали зависимостей наружу не отдаются.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := service.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	msg := service.MessageOf(err)
	if kind == service.KindDependency {
		logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		msg = "service temporarily unavailable"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: string(kind)})
}

// decodeJSON читает тело не больше maxBodyBytes; пустое тело — ошибка.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "body required")
		default:
			writeError(w, http.StatusBadRequest, "invalid body")
		}
		return false
	}
	return true
}
