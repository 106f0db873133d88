package main

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"payroll/auth"
	"payroll/pii"
	"payroll/requestctx"
	"payroll/router"
)

const requestIDHeader = "X-Request-ID"

func (s *apiServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestctx.WithRequestID(r.Context(), r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, requestctx.RequestID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *apiServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestctx.RequestID(r.Context())),
		)
	})
}

// authenticate verifies the bearer token and puts the caller's identity and
// session on the request context. A session with no tenant yet is bound to the
// token's payroll class, when it names one.
func (s *apiServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "token_missing", auth.ErrTokenMissing.Error())
			return
		}
		identity, err := s.verifier.Verify(token)
		if err != nil {
			code := "token_invalid"
			if errors.Is(err, auth.ErrTokenExpired) {
				code = "token_expired"
			}
			s.logger.Info("token_rejected",
				zap.String("reason", code),
				zap.String("request_id", requestctx.RequestID(r.Context())),
			)
			writeError(w, http.StatusUnauthorized, code, "bearer token rejected")
			return
		}

		ctx := requestctx.WithIdentity(r.Context(), identity)
		if identity.TenantHint != "" {
			if _, err := s.router.CurrentTenant(ctx); errors.Is(err, router.ErrNoTenantSelected) {
				if _, err := s.router.ResolveTenant(ctx, identity.TenantHint); err != nil {
					s.logger.Warn("tenant_hint_ignored",
						zap.String("hint", identity.TenantHint),
						zap.String("actor_hash", pii.Hash(identity.ActorID)),
						zap.Error(err),
					)
				}
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
