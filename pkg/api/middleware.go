package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/metrics"
	"github.com/modelmeter/modelmeter/pkg/token"
	"github.com/modelmeter/modelmeter/pkg/types"
)

// ProvisioningKeyHeader carries the provisioning API key on admin endpoints.
const ProvisioningKeyHeader = "X-Provisioning-Key"

type contextKey string

const subjectKey contextKey = "subject"

// subjectFrom returns the authenticated subject stored by requireAccessToken.
func subjectFrom(ctx context.Context) (types.Subject, bool) {
	subject, ok := ctx.Value(subjectKey).(types.Subject)
	return subject, ok
}

// requestMetrics records per-route request counts and latencies.
func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// requireAccessToken authenticates the bearer token and binds it to the path:
// the token's org must match {orgID}, and an app-scoped token must match
// {appID} when the route carries one.
func (s *Server) requireAccessToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			metrics.AuthFailuresTotal.Inc()
			s.writeError(w, r, apierr.Unauthorized("missing bearer token"))
			return
		}

		claims, err := s.issuer.Verify(r.Context(), raw, token.TypeAccess)
		if err != nil {
			metrics.AuthFailuresTotal.Inc()
			s.writeError(w, r, err)
			return
		}
		subject := claims.ToSubject()

		if orgID := chi.URLParam(r, "orgID"); orgID != "" && subject.OrgID != orgID {
			s.writeError(w, r, apierr.Forbidden("token is not valid for this organization"))
			return
		}
		if appID := chi.URLParam(r, "appID"); appID != "" && subject.AppID != "" && subject.AppID != appID {
			s.writeError(w, r, apierr.Forbidden("token is not valid for this application"))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, subject)))
	})
}

// requireProvisioningKey gates admin endpoints on the shared provisioning API
// key. Digest comparison keeps the check constant-time for any input length.
func (s *Server) requireProvisioningKey(next http.Handler) http.Handler {
	expected := sha256.Sum256(s.provisioningKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := sha256.Sum256([]byte(r.Header.Get(ProvisioningKeyHeader)))
		if len(s.provisioningKey) == 0 ||
			subtle.ConstantTimeCompare(expected[:], presented[:]) != 1 {
			metrics.AuthFailuresTotal.Inc()
			s.writeError(w, r, apierr.Unauthorized("invalid provisioning key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(prefix):])
	return raw, raw != ""
}
