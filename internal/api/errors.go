package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mycelian/mycelian-memory/companion/internal/api/respond"
	"github.com/mycelian/mycelian-memory/companion/internal/auth"
	"github.com/mycelian/mycelian-memory/companion/internal/model"
)

// writeServiceError maps domain errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var (
		ve model.ValidationError
		nf model.NotFoundError
		qe model.QuotaExceededError
		ce model.ConfigurationError
	)
	switch {
	case auth.IsUnauthorized(err):
		respond.WriteUnauthorized(w, "Unauthorized: "+err.Error())
	case errors.As(err, &ve):
		respond.WriteBadRequest(w, ve.Field, ve.Message)
	case errors.As(err, &nf):
		respond.WriteNotFound(w, nf.Message)
	case errors.As(err, &qe):
		respond.WriteTooManyRequests(w, qe.Error())
	case errors.As(err, &ce):
		log.Error().Err(err).Str("setting", ce.Setting).Msg("request refused: missing configuration")
		respond.WriteInternalError(w, ce.Message)
	case model.IsIdentityProvisioningError(err), model.IsExternalServiceError(err):
		log.Error().Stack().Err(err).Msg("memory service request failed")
		respond.WriteBadGateway(w, "Memory service request failed")
	case model.IsPersistenceError(err):
		log.Error().Stack().Err(err).Msg("local store failure")
		respond.WriteInternalError(w, "Failed to persist changes")
	default:
		log.Error().Stack().Err(err).Msg("unhandled error")
		respond.WriteInternalError(w, "Internal server error")
	}
}

// decodeJSON decodes the request body. An empty body is accepted when optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return model.NewValidationError("body", "Invalid JSON")
	}
	return nil
}

// authenticate resolves the caller or writes a 401. It runs before any input is read.
func authenticate(w http.ResponseWriter, r *http.Request, a auth.Authorizer) (model.User, bool) {
	apiKey, err := auth.ExtractAPIKey(r)
	if err == nil {
		var u model.User
		if u, err = a.Authorize(r.Context(), apiKey); err == nil {
			return u, true
		}
	}
	respond.WriteUnauthorized(w, "Unauthorized: "+err.Error())
	return model.User{}, false
}
