package web

// errors.go keeps error responses uniform: the technical error is logged
// with the request ID, the client gets the mapped message and code.

import (
	"encoding/json"
	"net/http"

	"github.com/JonMunkholm/wtkpipe/internal/core"
	"github.com/JonMunkholm/wtkpipe/internal/logging"
	wtkmw "github.com/JonMunkholm/wtkpipe/internal/web/middleware"
)

// ErrorResponse represents the JSON structure for API error responses. The
// auth middleware writes the same shape.
type ErrorResponse = wtkmw.ErrorResponse

// respondError logs err and writes its user-facing form.
func respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := core.MapError(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
	)

	respondJSON(w, statusCode, ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
