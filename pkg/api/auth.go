package api

import (
	"net/http"
	"strings"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/metrics"
)

const (
	grantClientCredentials = "client_credentials"
	grantRefreshToken      = "refresh_token"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
}

// parseTokenRequest accepts either an OAuth-style form body or JSON.
func parseTokenRequest(r *http.Request) (tokenRequest, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return tokenRequest{}, apierr.InvalidRequest("malformed form body", nil).WithCause(err)
		}
		return tokenRequest{
			GrantType:    r.PostForm.Get("grant_type"),
			ClientID:     r.PostForm.Get("client_id"),
			ClientSecret: r.PostForm.Get("client_secret"),
			RefreshToken: r.PostForm.Get("refresh_token"),
		}, nil
	}
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return tokenRequest{}, err
	}
	return req, nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	req, err := parseTokenRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch req.GrantType {
	case grantClientCredentials:
		subject, err := s.creds.Verify(r.Context(), req.ClientID, req.ClientSecret)
		if err != nil {
			metrics.AuthFailuresTotal.Inc()
			s.writeError(w, r, err)
			return
		}
		pair, err := s.issuer.IssuePair(subject)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		metrics.TokensIssuedTotal.WithLabelValues(grantClientCredentials).Inc()
		s.writeJSON(w, http.StatusOK, tokenResponse{
			AccessToken:      pair.AccessToken,
			RefreshToken:     pair.RefreshToken,
			TokenType:        "Bearer",
			ExpiresIn:        pair.ExpiresIn,
			RefreshExpiresIn: pair.RefreshExpiresIn,
		})

	case grantRefreshToken:
		s.refresh(w, r, req.RefreshToken)

	default:
		s.writeError(w, r, apierr.InvalidRequest(
			"grant_type must be client_credentials or refresh_token",
			map[string]any{"grant_type": req.GrantType}))
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	req, err := parseTokenRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.refresh(w, r, req.RefreshToken)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request, refreshToken string) {
	if refreshToken == "" {
		s.writeError(w, r, apierr.InvalidRequest("refresh_token is required", nil))
		return
	}
	access, expiresIn, err := s.issuer.Refresh(r.Context(), refreshToken)
	if err != nil {
		metrics.AuthFailuresTotal.Inc()
		s.writeError(w, r, err)
		return
	}
	metrics.TokensIssuedTotal.WithLabelValues(grantRefreshToken).Inc()
	s.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
	})
}

type secretRetrievalRequest struct {
	RetrievalToken string `json:"retrieval_token"`
}

// handleSecretRetrieval redeems a one-time retrieval token issued during
// credential rotation. The token itself is the capability; no other
// authentication applies.
func (s *Server) handleSecretRetrieval(w http.ResponseWriter, r *http.Request) {
	var req secretRetrievalRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RetrievalToken == "" {
		s.writeError(w, r, apierr.InvalidRequest("retrieval_token is required", nil))
		return
	}
	grant, err := s.creds.RedeemSecretRetrieval(r.Context(), req.RetrievalToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"client_id":     grant.ClientID,
		"client_secret": grant.Secret,
	})
}

type revokeRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectFrom(r.Context())
	if !ok {
		s.writeError(w, r, apierr.Unauthorized("missing bearer token"))
		return
	}
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Token == "" {
		s.writeError(w, r, apierr.InvalidRequest("token is required", nil))
		return
	}
	if err := s.issuer.Revoke(r.Context(), subject.ClientID, req.Token); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
