package httpapi

import (
	"encoding/json"
	"net/http"

	"taskforge/internal/apierr"
)

// errorBody is the shared error response shape: every error
// response carries {"error": {"code", "message", "details"?}}.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details any    `json:"details,omitempty"`
	} `json:"error"`
}

// errCode is one of the API's named error codes; kindToCode maps the
// internal five-kind taxonomy onto them for responses produced from an
// *apierr.Error, and writeError also accepts a code directly for
// HTTP-layer-only failures (bad JSON, missing scope, etc.) that never pass
// through apierr.
var kindToCode = map[apierr.Kind]string{
	apierr.KindValidation:     "BAD_REQUEST",
	apierr.KindAuthentication: "UNAUTHORIZED",
	apierr.KindTransient:      "SERVICE_UNAVAILABLE",
	apierr.KindRate:           "RATE_LIMIT_EXCEEDED",
	apierr.KindFatal:          "INTERNAL_ERROR",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope for a plain code/message
// pair (used by handlers that fail before reaching domain logic: bad JSON,
// missing auth header, unknown route).
func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeDomainError writes the standard error envelope for an error
// produced by the store or dispatcher, using apierr's kind registry to
// pick the status and code.
func writeDomainError(w http.ResponseWriter, err error) {
	status := apierr.HTTPStatus(err)
	code := kindToCode[apierr.KindOf(err)]
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}
