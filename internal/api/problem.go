package api

import (
	"encoding/json"
	"net/http"

	"github.com/austindbirch/tidehook/internal/errs"
)

// problem is the error response body: code is the error kind, message is
// the caller-safe text. Internal causes never leak.
type problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidInput:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict, errs.KindCancelled:
		return http.StatusConflict
	case errs.KindStorageUnavailable, errs.KindStreamUnavailable:
		return http.StatusServiceUnavailable
	case errs.KindRemoteUnavailable:
		return http.StatusBadGateway
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindPolicyExhausted:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeJSON(w, statusFor(kind), problem{
		Code:    string(kind),
		Message: errs.Message(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
