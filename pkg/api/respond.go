// pkg/api/respond.go
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/valpere/ProxyHarvester/internal/utils"
)

// errorEnvelope is the uniform non-2xx response body.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code       utils.ErrorCode        `json:"code"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"status_code"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	se := utils.AsStructured(err)
	writeJSON(w, se.StatusCode, errorEnvelope{Error: errorBody{
		Code:       se.Code,
		Message:    se.Message,
		StatusCode: se.StatusCode,
		Details:    se.Details,
		Timestamp:  se.Timestamp,
	}})
}
