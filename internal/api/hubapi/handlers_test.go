package hubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmer1st/farmer-code/internal/db"
	"github.com/farmer1st/farmer-code/internal/db/repositories"
	"github.com/farmer1st/farmer-code/internal/hub"
	"github.com/farmer1st/farmer-code/pkg/contracts"
)

const routingYAML = `
default_threshold: 80
agents:
  baron:
    url: http://localhost:9000
    topics:
      - architecture
overrides:
  security:
    agent_id: baron
    confidence_threshold: 95
`

type scriptedWorker struct {
	resp *contracts.InvokeResponse
}

func (s *scriptedWorker) Invoke(ctx context.Context, agent hub.AgentConfig, req contracts.InvokeRequest) (*contracts.InvokeResponse, error) {
	return s.resp, nil
}

func answer(confidence int, text string) *contracts.InvokeResponse {
	result, _ := json.Marshal(contracts.WorkerAnswer{Answer: text})
	return &contracts.InvokeResponse{Success: true, Result: result, Confidence: confidence}
}

func setupRouter(t *testing.T, worker hub.WorkerClient) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	testDB, err := db.NewTest(t, db.ServiceHub)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testDB.Close() })

	table, err := hub.ParseRoutingTable([]byte(routingYAML))
	require.NoError(t, err)

	audit := hub.NewAuditLogger(afero.NewMemMapFs(), "/logs")
	service := hub.NewService(repositories.NewHub(testDB), table, worker, audit, hub.Options{})

	router := gin.New()
	NewHandlers(service).RegisterRoutes(router)
	return router
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAskResolvedOverHTTP(t *testing.T) {
	router := setupRouter(t, &scriptedWorker{resp: answer(92, "Use OAuth2 with JWT")})

	w := doJSON(router, http.MethodPost, "/ask/architecture", gin.H{
		"question":   "What auth method should we use?",
		"feature_id": "005-auth",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp contracts.AskExpertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, contracts.AskStatusResolved, resp.Status)
	assert.Equal(t, 92, resp.Confidence)
	assert.Nil(t, resp.EscalationID)
	assert.NotEmpty(t, resp.SessionID)

	// The session is readable with its ordered [user, assistant] history.
	w = doJSON(router, http.MethodGet, "/sessions/"+resp.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var session struct {
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	require.Len(t, session.Messages, 2)
	assert.Equal(t, "user", session.Messages[0].Role)
	assert.Equal(t, "assistant", session.Messages[1].Role)
}

func TestAskUnknownTopicListsKnown(t *testing.T) {
	router := setupRouter(t, &scriptedWorker{resp: answer(92, "ok")})

	w := doJSON(router, http.MethodPost, "/ask/astrology", gin.H{
		"question":   "What do the stars say about Go?",
		"feature_id": "005-auth",
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	var apiErr contracts.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, contracts.ErrCodeUnknownTopic, apiErr.Error.Code)
	known, ok := apiErr.Error.Details["known_topics"].([]any)
	require.True(t, ok)
	assert.Contains(t, known, "architecture")
	assert.Contains(t, known, "security")
}

func TestEscalationLifecycleOverHTTP(t *testing.T) {
	router := setupRouter(t, &scriptedWorker{resp: answer(88, "Rotate the signing key")})

	w := doJSON(router, http.MethodPost, "/ask/security", gin.H{
		"question":   "How should we store refresh tokens?",
		"feature_id": "005-auth",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var asked contracts.AskExpertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &asked))
	assert.Equal(t, contracts.AskStatusPendingHuman, asked.Status)
	require.NotNil(t, asked.EscalationID)

	w = doJSON(router, http.MethodGet, "/escalations/"+*asked.EscalationID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var escalation struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &escalation))
	assert.Equal(t, "pending", escalation.Status)

	w = doJSON(router, http.MethodPost, "/escalations/"+*asked.EscalationID, gin.H{
		"action":    "correct",
		"response":  "Use Argon2id",
		"responder": "@jane",
	})
	require.Equal(t, http.StatusOK, w.Code)

	// A second identical resolution conflicts.
	w = doJSON(router, http.MethodPost, "/escalations/"+*asked.EscalationID, gin.H{
		"action":    "correct",
		"response":  "Use Argon2id",
		"responder": "@jane",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	var apiErr contracts.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, contracts.ErrCodeAlreadyResolved, apiErr.Error.Code)

	// The human correction is now part of the session transcript.
	w = doJSON(router, http.MethodGet, "/sessions/"+asked.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var session struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	last := session.Messages[len(session.Messages)-1]
	assert.Equal(t, "human", last.Role)
	assert.Equal(t, "Use Argon2id", last.Content)
}

func TestEscalationValidationOverHTTP(t *testing.T) {
	router := setupRouter(t, &scriptedWorker{resp: answer(50, "tentative")})

	w := doJSON(router, http.MethodPost, "/ask/architecture", gin.H{
		"question":   "Anything uncertain at all here?",
		"feature_id": "006-val",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var asked contracts.AskExpertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &asked))
	require.NotNil(t, asked.EscalationID)

	// correct without a response is a 400 missing_response.
	w = doJSON(router, http.MethodPost, "/escalations/"+*asked.EscalationID, gin.H{
		"action":    "correct",
		"responder": "@jane",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var apiErr contracts.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, contracts.ErrCodeMissingResponse, apiErr.Error.Code)

	w = doJSON(router, http.MethodGet, "/escalations/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodPost, "/escalations/"+*asked.EscalationID, gin.H{
		"action":    "dismiss",
		"responder": "@jane",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionEndpoints(t *testing.T) {
	router := setupRouter(t, &scriptedWorker{resp: answer(92, "ok then")})

	w := doJSON(router, http.MethodPost, "/sessions", gin.H{"agent_id": "baron"})
	require.Equal(t, http.StatusCreated, w.Code)
	var session struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))

	w = doJSON(router, http.MethodDelete, "/sessions/"+session.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var closed struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &closed))
	assert.Equal(t, "closed", closed.Status)

	w = doJSON(router, http.MethodGet, "/sessions/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodPost, "/sessions", gin.H{"agent_id": "nobody"})
	require.Equal(t, http.StatusNotFound, w.Code)
	var apiErr contracts.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, contracts.ErrCodeUnknownAgent, apiErr.Error.Code)
}

func TestInvokeEndpoints(t *testing.T) {
	router := setupRouter(t, &scriptedWorker{resp: answer(85, "drafted")})

	w := doJSON(router, http.MethodPost, "/invoke/baron", gin.H{
		"workflow_type": "specify",
		"context":       gin.H{"feature_id": "014-inv"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp contracts.HubInvokeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.SessionID)

	w = doJSON(router, http.MethodPost, "/invoke/nobody", gin.H{"workflow_type": "specify"})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var agents struct {
		Agents []struct {
			AgentID string `json:"agent_id"`
		} `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agents))
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, "baron", agents.Agents[0].AgentID)
}
