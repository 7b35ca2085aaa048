package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/scrollharvest/internal/types"
	"github.com/Rorqualx/scrollharvest/pkg/version"
)

// WriteError writes the API's JSON error body with the given status.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := types.ErrorResponse{
		Status:    "error",
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Str("message", message).Msg("Failed to encode error response")
	}
}
