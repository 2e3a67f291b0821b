package infrastructure

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeJSON decodes the request body into dst and runs its validate tags.
func DecodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return Validationf("malformed request body: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		return Validationf("%v", err)
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError renders err with the status derived from its kind. Internal errors
// are logged and their message is not exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		msg = "internal server error"
	}
	WriteJSON(w, status, map[string]string{
		"error": msg,
		"code":  ErrorCode(err),
	})
}

// QueryInt reads a positive integer query parameter, falling back to def.
func QueryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
