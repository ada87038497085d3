package api

import (
	"errors"
	"net/http"

	"github.com/agentdiff/agentdiff/internal/api/response"
	"github.com/agentdiff/agentdiff/internal/differ"
	"github.com/agentdiff/agentdiff/internal/dsl"
	"github.com/agentdiff/agentdiff/internal/run"
	"github.com/agentdiff/agentdiff/internal/store"
	"github.com/agentdiff/agentdiff/internal/token"
)

// Platform error codes.
const (
	CodeNotAuthed          = "not_authed"
	CodeInvalidEnvPath     = "invalid_environment_path"
	CodeEnvNotFound        = "environment_not_found"
	CodeTemplateNotFound   = "template_not_found"
	CodeRunNotFound        = "run_not_found"
	CodeTestNotFound       = "test_not_found"
	CodeInvalidDSL         = "invalid_dsl"
	CodeInvalidRequest     = "invalid_request"
	CodeConflict           = "conflict"
	CodePreconditionFailed = "precondition_failed"
	CodeInternal           = "internal_error"
)

// writeDomainError maps a domain error onto the platform envelope. The
// notFoundCode names what the handler was looking up, so a missing template
// and a missing run produce distinct codes from the same sentinel.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, notFoundCode string) {
	var dslErr *dsl.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, notFoundCode, err.Error())
	case errors.Is(err, store.ErrGone):
		response.WriteError(w, http.StatusNotFound, CodeEnvNotFound, "environment is not available")
	case errors.Is(err, store.ErrConflict), errors.Is(err, differ.ErrSnapshotExists):
		response.WriteError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, run.ErrRunActive):
		response.WriteError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, run.ErrAlreadyEvaluated), errors.Is(err, run.ErrNoSpec):
		response.WriteError(w, http.StatusConflict, CodePreconditionFailed, err.Error())
	case errors.As(err, &dslErr):
		response.WriteError(w, http.StatusBadRequest, CodeInvalidDSL, dslErr.Error())
	case errors.Is(err, token.ErrInvalidToken):
		response.WriteError(w, http.StatusUnauthorized, CodeNotAuthed, err.Error())
	default:
		s.logger.Error("Internal error: %v", err)
		response.WriteError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
