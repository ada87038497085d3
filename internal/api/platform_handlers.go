package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentdiff/agentdiff/internal/api/response"
	"github.com/agentdiff/agentdiff/internal/dsl"
	"github.com/agentdiff/agentdiff/internal/isolation"
	"github.com/agentdiff/agentdiff/internal/models"
)

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

type initEnvRequest struct {
	TemplateID        string `json:"templateId"`
	TemplateService   string `json:"templateService"`
	TemplateName      string `json:"templateName"`
	TestID            string `json:"testId"`
	TTLSeconds        int    `json:"ttlSeconds"`
	ImpersonateUserID string `json:"impersonateUserId"`
	ImpersonateEmail  string `json:"impersonateEmail"`
}

func (s *Server) handleInitEnv(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "initEnv")
	defer span.End()

	var req initEnvRequest
	if err := decodeBody(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	ref := req.TemplateID
	if ref == "" && req.TemplateService != "" && req.TemplateName != "" {
		ref = req.TemplateService + ":" + req.TemplateName
	}
	if ref == "" && req.TestID != "" {
		test, err := s.deps.Meta.GetTest(ctx, req.TestID)
		if err != nil {
			s.writeDomainError(w, err, CodeTestNotFound)
			return
		}
		ref = test.TemplateID
	}
	if ref == "" {
		response.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "a template reference or testId is required")
		return
	}

	principal := principalFrom(ctx)
	tmpl, err := s.deps.Templates.Resolve(ctx, ref, principal.ID)
	if err != nil {
		s.writeDomainError(w, err, CodeTemplateNotFound)
		return
	}

	env, err := s.deps.Isolation.CreateEnvironment(ctx, tmpl, isolation.CreateOptions{
		Owner:             principal.ID,
		ImpersonateUserID: req.ImpersonateUserID,
		ImpersonateEmail:  req.ImpersonateEmail,
		TTLSeconds:        req.TTLSeconds,
	})
	if err != nil {
		s.writeDomainError(w, err, CodeTemplateNotFound)
		return
	}

	envToken, err := s.deps.Tokens.Issue(env, time.Now())
	if err != nil {
		s.writeDomainError(w, err, CodeInternal)
		return
	}

	response.WriteCreated(w, map[string]any{
		"environmentId":  env.ID,
		"environmentUrl": fmt.Sprintf("%s/api/env/%s/services/%s", s.deps.BaseURL, env.ID, env.Service),
		"expiresAt":      env.ExpiresAt,
		"schemaName":     env.SchemaName,
		"service":        env.Service,
		"token":          envToken,
	})
}

func (s *Server) handleDeleteEnv(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "deleteEnv")
	defer span.End()

	envID := r.PathValue("envID")
	if err := s.deps.Isolation.DeleteEnvironment(ctx, envID); err != nil {
		s.writeDomainError(w, err, CodeEnvNotFound)
		return
	}
	response.WriteSuccess(w, map[string]any{
		"environmentId": envID,
		"status":        models.EnvironmentStatusDeleted,
	})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.deps.Templates.List(r.Context(), principalFrom(r.Context()).ID)
	if err != nil {
		s.writeDomainError(w, err, CodeTemplateNotFound)
		return
	}

	out := make([]map[string]any, 0, len(templates))
	for _, t := range templates {
		out = append(out, map[string]any{
			"id":          t.ID,
			"service":     t.Service,
			"name":        t.Name,
			"description": t.Description,
			"version":     t.Version,
			"visibility":  t.Visibility,
		})
	}
	response.WriteSuccess(w, map[string]any{"templates": out})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.deps.Templates.Resolve(r.Context(), r.PathValue("ref"), principalFrom(r.Context()).ID)
	if err != nil {
		s.writeDomainError(w, err, CodeTemplateNotFound)
		return
	}
	response.WriteSuccess(w, tmpl)
}

type templateFromEnvRequest struct {
	EnvironmentID string `json:"environmentId"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Visibility    string `json:"visibility"`
}

func (s *Server) handleTemplateFromEnv(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "templateFromEnvironment")
	defer span.End()

	var req templateFromEnvRequest
	if err := decodeBody(r, &req); err != nil || req.EnvironmentID == "" || req.Name == "" {
		response.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "environmentId and name are required")
		return
	}

	tmpl, err := s.deps.Templates.CreateFromEnvironment(ctx,
		req.EnvironmentID, req.Name, req.Description, req.Visibility, principalFrom(ctx).ID)
	if err != nil {
		s.writeDomainError(w, err, CodeEnvNotFound)
		return
	}
	response.WriteCreated(w, map[string]any{
		"id":          tmpl.ID,
		"name":        tmpl.Name,
		"description": tmpl.Description,
		"service":     tmpl.Service,
	})
}

func (s *Server) handleListTestSuites(w http.ResponseWriter, r *http.Request) {
	suites, err := s.deps.Meta.ListTestSuites(r.Context(), principalFrom(r.Context()).ID)
	if err != nil {
		s.writeDomainError(w, err, CodeInternal)
		return
	}
	response.WriteSuccess(w, map[string]any{"testSuites": suites})
}

type createTestSuiteRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

func (s *Server) handleCreateTestSuite(w http.ResponseWriter, r *http.Request) {
	var req createTestSuiteRequest
	if err := decodeBody(r, &req); err != nil || req.Name == "" {
		response.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "name is required")
		return
	}
	if req.Visibility == "" {
		req.Visibility = models.VisibilityPrivate
	}

	suite := &models.TestSuite{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Visibility:  req.Visibility,
		Owner:       principalFrom(r.Context()).ID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.deps.Meta.CreateTestSuite(r.Context(), suite); err != nil {
		s.writeDomainError(w, err, CodeInternal)
		return
	}
	response.WriteCreated(w, suite)
}

func (s *Server) handleGetTestSuite(w http.ResponseWriter, r *http.Request) {
	suite, err := s.deps.Meta.GetTestSuite(r.Context(), r.PathValue("suiteID"))
	if err != nil {
		s.writeDomainError(w, err, CodeTestNotFound)
		return
	}
	tests, err := s.deps.Meta.ListSuiteTests(r.Context(), suite.ID)
	if err != nil {
		s.writeDomainError(w, err, CodeInternal)
		return
	}
	response.WriteSuccess(w, map[string]any{"testSuite": suite, "tests": tests})
}

func (s *Server) handleListSuiteTests(w http.ResponseWriter, r *http.Request) {
	tests, err := s.deps.Meta.ListSuiteTests(r.Context(), r.PathValue("suiteID"))
	if err != nil {
		s.writeDomainError(w, err, CodeTestNotFound)
		return
	}
	response.WriteSuccess(w, map[string]any{"tests": tests})
}

type createTestsRequest struct {
	SuiteID string `json:"suiteId"`
	Tests   []struct {
		Name       string          `json:"name"`
		Prompt     string          `json:"prompt"`
		Type       string          `json:"type"`
		TemplateID string          `json:"templateId"`
		Spec       json.RawMessage `json:"spec"`
	} `json:"tests"`
}

func (s *Server) handleCreateTests(w http.ResponseWriter, r *http.Request) {
	var req createTestsRequest
	if err := decodeBody(r, &req); err != nil || len(req.Tests) == 0 {
		response.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "tests are required")
		return
	}

	// specs are validated before anything is persisted
	for i, t := range req.Tests {
		if t.Name == "" {
			response.WriteError(w, http.StatusBadRequest, CodeInvalidRequest,
				fmt.Sprintf("tests[%d].name is required", i))
			return
		}
		if len(t.Spec) > 0 {
			if _, err := dsl.Compile(t.Spec); err != nil {
				s.writeDomainError(w, err, CodeInvalidDSL)
				return
			}
		}
	}

	ids := make([]string, 0, len(req.Tests))
	for _, t := range req.Tests {
		test := &models.Test{
			ID:         uuid.NewString(),
			Name:       t.Name,
			Prompt:     t.Prompt,
			Type:       t.Type,
			TemplateID: t.TemplateID,
			Spec:       t.Spec,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.deps.Meta.CreateTest(r.Context(), test, req.SuiteID); err != nil {
			s.writeDomainError(w, err, CodeTestNotFound)
			return
		}
		ids = append(ids, test.ID)
	}
	response.WriteCreated(w, map[string]any{"testIds": ids})
}

type startRunRequest struct {
	EnvID  string `json:"envId"`
	TestID string `json:"testId"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "startRun")
	defer span.End()

	var req startRunRequest
	if err := decodeBody(r, &req); err != nil || req.EnvID == "" {
		response.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "envId is required")
		return
	}

	run, err := s.deps.Runs.Start(ctx, req.EnvID, req.TestID)
	if err != nil {
		s.writeDomainError(w, err, CodeEnvNotFound)
		return
	}
	response.WriteCreated(w, map[string]any{
		"runId":          run.ID,
		"status":         run.Status,
		"beforeSnapshot": run.BeforeSuffix,
	})
}

type diffRunRequest struct {
	RunID        string `json:"runId"`
	EnvID        string `json:"envId"`
	BeforeSuffix string `json:"beforeSuffix"`
	AfterSuffix  string `json:"afterSuffix"`
	Recompute    bool   `json:"recompute"`
}

func (s *Server) handleDiffRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "diffRun")
	defer span.End()

	var req diffRunRequest
	if err := decodeBody(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	switch {
	case req.RunID != "":
		result, err := s.deps.Runs.Diff(ctx, req.RunID, req.Recompute)
		if err != nil {
			s.writeDomainError(w, err, CodeRunNotFound)
			return
		}
		response.WriteSuccess(w, map[string]any{
			"beforeSnapshot": result.BeforeSuffix,
			"afterSnapshot":  result.AfterSuffix,
			"diff":           result.Diff,
		})
	case req.EnvID != "" && req.BeforeSuffix != "" && req.AfterSuffix != "":
		diff, err := s.deps.Runs.Compare(ctx, req.EnvID, req.BeforeSuffix, req.AfterSuffix)
		if err != nil {
			s.writeDomainError(w, err, CodeEnvNotFound)
			return
		}
		response.WriteSuccess(w, map[string]any{
			"beforeSnapshot": req.BeforeSuffix,
			"afterSnapshot":  req.AfterSuffix,
			"diff":           diff,
		})
	default:
		response.WriteError(w, http.StatusBadRequest, CodeInvalidRequest,
			"runId, or envId with beforeSuffix and afterSuffix, is required")
	}
}

type evaluateRunRequest struct {
	RunID string `json:"runId"`
}

func (s *Server) handleEvaluateRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "evaluateRun")
	defer span.End()

	var req evaluateRunRequest
	if err := decodeBody(r, &req); err != nil || req.RunID == "" {
		response.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "runId is required")
		return
	}

	run, err := s.deps.Runs.Evaluate(ctx, req.RunID)
	if err != nil {
		s.writeDomainError(w, err, CodeRunNotFound)
		return
	}
	response.WriteSuccess(w, map[string]any{
		"runId":  run.ID,
		"status": run.Status,
		"passed": run.Passed,
		"score":  run.Score,
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.Results(r.Context(), r.PathValue("runID"))
	if err != nil {
		s.writeDomainError(w, err, CodeRunNotFound)
		return
	}
	response.WriteSuccess(w, map[string]any{
		"runId":     run.ID,
		"status":    run.Status,
		"passed":    run.Passed,
		"score":     run.Score,
		"failures":  run.Failures,
		"diff":      run.Diff,
		"createdAt": run.CreatedAt,
	})
}
