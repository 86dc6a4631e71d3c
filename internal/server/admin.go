package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"vncproxy/internal/constants"
	"vncproxy/internal/middleware"
	"vncproxy/internal/security"
	"vncproxy/internal/token"
	"vncproxy/internal/types"
	"vncproxy/internal/utils"
)

// AdminHandler serves the token issuance API. Every request needs the
// configured admin key as a bearer credential.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+constants.EndpointTokens, s.HandleCreateToken)
	mux.HandleFunc("DELETE "+constants.EndpointTokens+"/{token}", s.HandleRevokeToken)

	return middleware.NewChain(
		middleware.Recovery,
		s.ProxyTrust.Middleware,
		middleware.Logging(s.AuditLogger, s.Metrics),
		security.MaxBodySize(constants.MaxAdminBodySize),
		s.requireAdminKey,
	).Then(mux)
}

func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	key := []byte(s.cfg.AdminKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := []byte(utils.BearerToken(r))
		if len(key) == 0 || subtle.ConstantTimeCompare(provided, key) != 1 {
			s.AuditLogger.AuthFailure(security.ClientIP(r), "", "bad admin key")
			utils.WriteJSON(w, http.StatusUnauthorized, types.ErrorResponse{Error: constants.MsgUnauthorized})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) HandleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req types.TokenRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: constants.MsgInvalidJSON})
		return
	}

	ttl := s.cfg.TokenTTL()
	if req.TTLSeconds < 0 {
		utils.WriteJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "ttl_seconds must not be negative"})
		return
	}
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
		if ttl < constants.MinTokenTTL {
			ttl = constants.MinTokenTTL
		}
		if ttl > constants.MaxTokenTTL {
			ttl = constants.MaxTokenTTL
		}
	}

	value := strings.TrimSpace(req.Token)
	if value == "" {
		value = uuid.New().String()
	}

	t := token.Token{
		Value:      value,
		Target:     token.Target{Host: req.Host, Port: req.Port},
		InstanceID: req.InstanceID,
		Metadata:   req.Metadata,
		IssuedAt:   s.clock.Now(),
		TTL:        ttl,
	}

	err := s.Store.Register(r.Context(), t)
	switch {
	case errors.Is(err, token.ErrDuplicateToken):
		utils.WriteJSON(w, http.StatusConflict, types.ErrorResponse{Error: err.Error()})
		return
	case errors.Is(err, token.ErrInvalidToken):
		utils.WriteJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		log.Printf("Token register error: %v", err)
		utils.WriteJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "token store unavailable"})
		return
	}

	fp := token.Fingerprint(value)
	s.Metrics.TokensRegistered.Inc()
	s.AuditLogger.TokenRegistered(security.ClientIP(r), fp, t.Target.String(), t.ExpiresAt())
	log.Printf("✅ Token registered: %s -> %s (expires in %s)", fp, t.Target, ttl)

	utils.WriteJSON(w, http.StatusCreated, types.TokenResponse{
		Token:     value,
		Target:    t.Target.String(),
		ExpiresAt: t.ExpiresAt().UTC(),
		URL:       utils.ConsoleURL(s.cfg.PublicURL, value),
	})
}

func (s *Server) HandleRevokeToken(w http.ResponseWriter, r *http.Request) {
	value := r.PathValue("token")
	err := s.Store.Revoke(r.Context(), value)
	switch {
	case errors.Is(err, token.ErrTokenNotFound):
		utils.WriteJSON(w, http.StatusNotFound, types.ErrorResponse{Error: constants.MsgNotFound})
		return
	case err != nil:
		log.Printf("Token revoke error: %v", err)
		utils.WriteJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "token store unavailable"})
		return
	}

	fp := token.Fingerprint(value)
	s.AuditLogger.TokenRevoked(security.ClientIP(r), fp)
	log.Printf("🗑 Token revoked: %s", fp)
	w.WriteHeader(http.StatusNoContent)
}
