package platform

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doJSON issues a platform request with the harness API key and decodes the
// JSON body into a generic map.
func doJSON(t *testing.T, srv *httptest.Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", PlainAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// doService issues an agent request against a service path with a bearer
// token.
func doService(t *testing.T, srv *httptest.Server, token, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHTTPEndToEnd(t *testing.T) {
	h := NewHarness(t)
	tmpl := h.SlackTemplate()
	srv := httptest.NewServer(h.API.Handler())
	defer srv.Close()

	// requests without a key are rejected
	status, body := func() (int, map[string]any) {
		resp, err := srv.Client().Post(srv.URL+"/api/platform/initEnv", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}()
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "not_authed", body["error"])

	// register a suite and a test
	status, body = doJSON(t, srv, http.MethodPost, "/api/platform/testSuites",
		`{"name": "smoke", "visibility": "public"}`)
	require.Equal(t, http.StatusCreated, status)
	suiteID := body["id"].(string)

	status, body = doJSON(t, srv, http.MethodPost, "/api/platform/tests", fmt.Sprintf(`{
		"suiteId": %q,
		"tests": [{
			"name": "post deploy notice",
			"prompt": "Post a deploy notice to #general",
			"templateId": %q,
			"spec": {
				"dsl_version": "1",
				"assertions": [
					{"diff_type": "added", "entity": "messages",
					 "where": {"channel_id": "C001", "text": {"contains": "deploy"}},
					 "expected_count": 1}
				]
			}
		}]
	}`, suiteID, tmpl.ID))
	require.Equal(t, http.StatusCreated, status, "body: %v", body)
	testID := body["testIds"].([]any)[0].(string)

	// provision an environment from the test's template
	status, body = doJSON(t, srv, http.MethodPost, "/api/platform/initEnv",
		fmt.Sprintf(`{"testId": %q, "impersonateUserId": "U001"}`, testID))
	require.Equal(t, http.StatusCreated, status, "body: %v", body)
	envID := body["environmentId"].(string)
	envToken := body["token"].(string)
	assert.Contains(t, body["environmentUrl"], "/api/env/"+envID+"/services/slack")

	// open the run before the agent acts
	status, body = doJSON(t, srv, http.MethodPost, "/api/platform/startRun",
		fmt.Sprintf(`{"envId": %q, "testId": %q}`, envID, testID))
	require.Equal(t, http.StatusCreated, status, "body: %v", body)
	runID := body["runId"].(string)

	// the agent posts through the service facade
	svcPath := "/api/env/" + envID + "/services/slack/chat.postMessage"
	status, body = doService(t, srv, envToken, svcPath, `{"channel": "general", "text": "deploy v42 done"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"], "body: %v", body)

	// evaluate and fetch results
	status, body = doJSON(t, srv, http.MethodPost, "/api/platform/evaluateRun",
		fmt.Sprintf(`{"runId": %q}`, runID))
	require.Equal(t, http.StatusOK, status, "body: %v", body)
	assert.Equal(t, true, body["passed"])

	status, body = doJSON(t, srv, http.MethodGet, "/api/platform/results/"+runID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "evaluated", body["status"])
	diff := body["diff"].(map[string]any)
	require.Len(t, diff["inserts"], 1)
	insert := diff["inserts"].([]any)[0].(map[string]any)
	assert.Equal(t, "messages", insert["__entity__"])
	assert.Equal(t, "U001", insert["user_id"], "message is attributed to the impersonated user")

	// tear the environment down; the token stops working
	status, body = doJSON(t, srv, http.MethodDelete, "/api/platform/env/"+envID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "deleted", body["status"])

	status, body = doService(t, srv, envToken, svcPath, `{"channel": "general", "text": "too late"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "environment_not_found", body["error"])

	// results survive environment deletion
	status, body = doJSON(t, srv, http.MethodGet, "/api/platform/results/"+runID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["passed"])
}

func TestHTTPTokenIsEnvironmentBound(t *testing.T) {
	h := NewHarness(t)
	tmpl := h.SlackTemplate()
	srv := httptest.NewServer(h.API.Handler())
	defer srv.Close()

	_, body1 := doJSON(t, srv, http.MethodPost, "/api/platform/initEnv",
		fmt.Sprintf(`{"templateId": %q}`, tmpl.ID))
	_, body2 := doJSON(t, srv, http.MethodPost, "/api/platform/initEnv",
		fmt.Sprintf(`{"templateId": %q}`, tmpl.ID))

	env2 := body2["environmentId"].(string)
	token1 := body1["token"].(string)

	// env1's token cannot reach env2
	status, body := doService(t, srv, token1,
		"/api/env/"+env2+"/services/slack/conversations.list", `{}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "invalid_environment_path", body["error"])
}

func TestHTTPInvalidSpecRejected(t *testing.T) {
	h := NewHarness(t)
	srv := httptest.NewServer(h.API.Handler())
	defer srv.Close()

	status, body := doJSON(t, srv, http.MethodPost, "/api/platform/tests", `{
		"tests": [{
			"name": "bad spec",
			"spec": {"dsl_version": "1", "assertions": [
				{"diff_type": "added", "entity": "messages", "where": {"text": {"looks_like": "x"}}}
			]}
		}]
	}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_dsl", body["error"])
	assert.Contains(t, body["detail"], "unknown operator")
}
