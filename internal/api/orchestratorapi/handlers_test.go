package orchestratorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmer1st/farmer-code/internal/config"
	"github.com/farmer1st/farmer-code/internal/db"
	"github.com/farmer1st/farmer-code/internal/db/repositories"
	"github.com/farmer1st/farmer-code/internal/orchestrator"
	"github.com/farmer1st/farmer-code/pkg/contracts"
	"github.com/farmer1st/farmer-code/pkg/models"
)

type stubHub struct{}

func (stubHub) Invoke(ctx context.Context, agent string, req contracts.InvokeRequest) (*contracts.HubInvokeResponse, error) {
	return &contracts.HubInvokeResponse{
		InvokeResponse: contracts.InvokeResponse{
			Success:    true,
			Result:     json.RawMessage(`{"answer":"done"}`),
			Confidence: 90,
		},
		SessionID: "s-1",
	}, nil
}

func setupRouter(t *testing.T) (*gin.Engine, *orchestrator.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	testDB, err := db.NewTest(t, db.ServiceOrchestrator)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testDB.Close() })

	repos := repositories.NewOrchestrator(testDB)
	service := orchestrator.NewService(context.Background(), repos, stubHub{}, &config.Config{DefaultAgent: "baron"})

	router := gin.New()
	NewHandlers(service).RegisterRoutes(router)
	return router, service
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

func TestCreateAndGetWorkflow(t *testing.T) {
	router, service := setupRouter(t)

	w := doJSON(router, http.MethodPost, "/workflows", gin.H{
		"workflow_type":       "specify",
		"feature_description": "Add user authentication with OAuth2 support",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Workflow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Regexp(t, `^\d{3}-add-user-authentication-with-oauth2-support$`, created.FeatureID)
	assert.Equal(t, models.WorkflowStatusInProgress, created.Status)

	service.Wait()

	w = doJSON(router, http.MethodGet, "/workflows/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fetched models.Workflow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.Equal(t, models.WorkflowStatusWaitingApproval, fetched.Status)

	w = doJSON(router, http.MethodGet, "/workflows/"+created.ID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		History []models.WorkflowHistory `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.History, 2)
}

func TestCreateWorkflowRejectsBadPayloads(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(router, http.MethodPost, "/workflows", gin.H{
		"workflow_type":       "deploy",
		"feature_description": "Totally reasonable description",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/workflows", gin.H{
		"workflow_type":       "specify",
		"feature_description": "too short",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var apiErr contracts.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, contracts.ErrCodeValidation, apiErr.Error.Code)
}

func TestAdvanceWorkflow(t *testing.T) {
	router, service := setupRouter(t)

	w := doJSON(router, http.MethodPost, "/workflows", gin.H{
		"workflow_type":       "specify",
		"feature_description": "Add user authentication with OAuth2 support",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Workflow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	service.Wait()

	w = doJSON(router, http.MethodPost, "/workflows/"+created.ID+"/advance", gin.H{"trigger": "human_approved"})
	require.Equal(t, http.StatusOK, w.Code)
	var completed models.Workflow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &completed))
	assert.Equal(t, models.WorkflowStatusCompleted, completed.Status)

	// Advancing a terminal workflow is an invalid transition; history stays put.
	w = doJSON(router, http.MethodPost, "/workflows/"+created.ID+"/advance", gin.H{"trigger": "human_approved"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var apiErr contracts.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, contracts.ErrCodeInvalidTransition, apiErr.Error.Code)

	w = doJSON(router, http.MethodGet, "/workflows/"+created.ID+"/history", nil)
	var history struct {
		History []models.WorkflowHistory `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history.History, 3)
}

func TestWorkflowNotFound(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(router, http.MethodGet, "/workflows/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	var apiErr contracts.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, contracts.ErrCodeUnknownWorkflow, apiErr.Error.Code)

	w = doJSON(router, http.MethodPost, "/workflows/does-not-exist/advance", gin.H{"trigger": "human_approved"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodPost, "/workflows/does-not-exist/advance", gin.H{"trigger": "launch"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health contracts.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
}
