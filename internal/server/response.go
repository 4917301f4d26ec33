package server

import (
	"encoding/json"
	"net/http"

	gateway "github.com/driftgate/gateway/internal"
)

// jsonCT is a pre-allocated header value slice, avoiding the []string{v}
// alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", "failed to encode response")
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// apiError is the error body shape spec.md §6 requires:
// {error:{message, type, code?}}.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func errorBody(message, errType, code string) apiError {
	var e apiError
	e.Error.Message = message
	e.Error.Type = errType
	e.Error.Code = code
	return e
}

func writeJSONError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody(message, errType, ""))
}

// writeErr maps a gateway sentinel error to its HTTP status and error-body
// type/code and writes it. err.Error() carries the specific machine code
// (e.g. "api_key_missing", "daily_limit_exceeded"); CodeOf maps it to the
// broader `type` bucket spec.md §6 enumerates.
func writeErr(w http.ResponseWriter, err error) {
	status := gateway.HTTPStatusOf(err)
	writeJSON(w, status, errorBody(err.Error(), gateway.CodeOf(err), err.Error()))
}
