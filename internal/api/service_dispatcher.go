package api

import (
	"net/http"
	"strings"

	"github.com/agentdiff/agentdiff/internal/api/response"
	"github.com/agentdiff/agentdiff/internal/services"
)

// handleService is the agent-facing dispatcher: it verifies the environment
// token, binds a session to the environment's namespace, and forwards the
// request to the named fake service. The session is released on every exit
// path, including handler panics.
func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "serviceDispatch")
	defer span.End()

	envID := r.PathValue("envID")
	svc := r.PathValue("svc")
	if envID == "" || svc == "" {
		response.WriteError(w, http.StatusBadRequest, CodeInvalidEnvPath, "malformed service path")
		return
	}

	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		response.WriteError(w, http.StatusUnauthorized, CodeNotAuthed, "missing bearer token")
		return
	}
	claims, err := s.deps.Tokens.Verify(raw)
	if err != nil {
		response.WriteError(w, http.StatusUnauthorized, CodeNotAuthed, "invalid environment token")
		return
	}
	if claims.EnvironmentID != envID {
		// a valid token for some other environment is a path violation,
		// not an auth failure
		response.WriteError(w, http.StatusForbidden, CodeInvalidEnvPath, "token is bound to a different environment")
		return
	}

	handler, ok := s.deps.Services.Get(svc)
	if !ok {
		response.WriteError(w, http.StatusNotFound, CodeInvalidEnvPath, "unknown service "+svc)
		return
	}

	sess, err := s.deps.Sessions.ForEnvironment(ctx, envID)
	if err != nil {
		s.writeDomainError(w, err, CodeEnvNotFound)
		return
	}
	defer sess.Release()

	if s.deps.Metrics != nil {
		s.deps.Metrics.ServiceRequests.WithLabelValues(svc).Inc()
	}

	rc := &services.RequestContext{
		Session:           sess,
		Environment:       sess.Environment,
		ImpersonateUserID: claims.ImpersonateUserID,
		Path:              r.PathValue("rest"),
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Service handler %s panicked: %v", svc, rec)
			response.WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		}
	}()
	handler.ServeService(w, r.WithContext(ctx), rc)
}
