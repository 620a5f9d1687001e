package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/splax/hoster/internal/domain"
)

// envelope is the response body shared by every API endpoint.
type envelope struct {
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	ErrorKind domain.ErrorKind `json:"error_kind,omitempty"`
	Logs      []string         `json:"logs,omitempty"`
	Data      any              `json:"data,omitempty"`
}

// writeJSON serializes payload as JSON with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeOK sends a successful envelope.
func writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, kind domain.ErrorKind, msg string) {
	writeJSON(w, status, envelope{Error: msg, ErrorKind: kind})
}

// writeFailure maps a pipeline error onto an HTTP status and envelope.
func writeFailure(w http.ResponseWriter, err error, logs []string, data any) {
	kind := domain.KindOf(err)
	writeJSON(w, statusFor(kind), envelope{
		Error:     err.Error(),
		ErrorKind: kind,
		Logs:      logs,
		Data:      data,
	})
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotAuthenticated:
		return http.StatusUnauthorized
	case domain.KindNotRunning:
		return http.StatusNotFound
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindSandboxUnavailable, domain.KindStorageNotConfigured:
		return http.StatusServiceUnavailable
	case domain.KindNotAReactProject,
		domain.KindNotABackendProject,
		domain.KindDownloadFailed,
		domain.KindExtractionError,
		domain.KindPathNotFound,
		domain.KindDependencyInstallError,
		domain.KindBuildCommandError,
		domain.KindNoOutputDirectory,
		domain.KindMissingIndexDocument,
		domain.KindCorruptIndexDocument,
		domain.KindNoScriptReferences,
		domain.KindUploadPartialFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
