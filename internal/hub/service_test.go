package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmer1st/farmer-code/internal/db"
	"github.com/farmer1st/farmer-code/internal/db/repositories"
	"github.com/farmer1st/farmer-code/pkg/contracts"
	"github.com/farmer1st/farmer-code/pkg/models"
)

type fakeWorker struct {
	mu   sync.Mutex
	resp *contracts.InvokeResponse
	err  error
	reqs []contracts.InvokeRequest
}

func (f *fakeWorker) Invoke(ctx context.Context, agent AgentConfig, req contracts.InvokeRequest) (*contracts.InvokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func workerAnswer(confidence int, answer string, reasons ...string) *contracts.InvokeResponse {
	result, _ := json.Marshal(contracts.WorkerAnswer{
		Answer:             answer,
		Rationale:          "based on prior art",
		UncertaintyReasons: reasons,
	})
	return &contracts.InvokeResponse{
		Success:    true,
		Result:     result,
		Confidence: confidence,
	}
}

type hubFixture struct {
	service *Service
	worker  *fakeWorker
	fs      afero.Fs
}

func newTestHub(t *testing.T, worker *fakeWorker, opts Options) *hubFixture {
	t.Helper()

	testDB, err := db.NewTest(t, db.ServiceHub)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testDB.Close() })

	table, err := ParseRoutingTable([]byte(routingYAML))
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	audit := NewAuditLogger(fs, "/logs")

	repos := repositories.NewHub(testDB)
	return &hubFixture{
		service: NewService(repos, table, worker, audit, opts),
		worker:  worker,
		fs:      fs,
	}
}

func (f *hubFixture) auditLines(t *testing.T, featureID string) []models.AuditRecord {
	t.Helper()
	data, err := afero.ReadFile(f.fs, "/logs/"+featureID+".jsonl")
	if err != nil {
		return nil
	}
	var records []models.AuditRecord
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		var record models.AuditRecord
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		records = append(records, record)
	}
	return records
}

func TestAskHighConfidenceResolves(t *testing.T) {
	worker := &fakeWorker{resp: workerAnswer(92, "Use OAuth2 with JWT")}
	fixture := newTestHub(t, worker, Options{})
	ctx := context.Background()

	resp, err := fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "What auth method should we use?",
		FeatureID: "005-auth",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.AskStatusResolved, resp.Status)
	assert.Equal(t, 92, resp.Confidence)
	assert.Nil(t, resp.EscalationID)
	require.NotEmpty(t, resp.SessionID)

	session, err := fixture.service.GetSession(ctx, resp.SessionID)
	require.NoError(t, err)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, models.MessageRoleUser, session.Messages[0].Role)
	assert.Equal(t, "What auth method should we use?", session.Messages[0].Content)
	assert.Equal(t, models.MessageRoleAssistant, session.Messages[1].Role)
	assert.Equal(t, "Use OAuth2 with JWT", session.Messages[1].Content)

	records := fixture.auditLines(t, "005-auth")
	require.Len(t, records, 1)
	assert.Equal(t, models.AuditStatusResolved, records[0].Status)
	assert.Equal(t, 92, records[0].Confidence)
	assert.Equal(t, "What auth method should we use?", records[0].Question)
	assert.Equal(t, "Use OAuth2 with JWT", records[0].Answer)
	require.NotNil(t, records[0].SessionID)
	assert.Equal(t, resp.SessionID, *records[0].SessionID)
	assert.Nil(t, records[0].EscalationID)
}

func TestConfidenceGateBoundary(t *testing.T) {
	// Exactly the threshold accepts.
	fixture := newTestHub(t, &fakeWorker{resp: workerAnswer(80, "boundary answer")}, Options{})
	resp, err := fixture.service.Ask(context.Background(), "architecture", contracts.AskExpertRequest{
		Question:  "Is eighty enough confidence?",
		FeatureID: "010-gate",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.AskStatusResolved, resp.Status)

	// One below escalates.
	fixture = newTestHub(t, &fakeWorker{resp: workerAnswer(79, "boundary answer")}, Options{})
	resp, err = fixture.service.Ask(context.Background(), "architecture", contracts.AskExpertRequest{
		Question:  "Is seventy-nine enough confidence?",
		FeatureID: "010-gate",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.AskStatusPendingHuman, resp.Status)
	require.NotNil(t, resp.EscalationID)
}

func TestAskTopicOverrideEscalates(t *testing.T) {
	worker := &fakeWorker{resp: workerAnswer(88, "Rotate the signing key", "unfamiliar with the key management setup")}
	fixture := newTestHub(t, worker, Options{})
	ctx := context.Background()

	resp, err := fixture.service.Ask(ctx, "security", contracts.AskExpertRequest{
		Question:  "How should we store refresh tokens?",
		FeatureID: "005-auth",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.AskStatusPendingHuman, resp.Status)
	assert.Equal(t, 88, resp.Confidence)
	require.NotNil(t, resp.EscalationID)
	assert.Equal(t, []string{"unfamiliar with the key management setup"}, resp.UncertaintyReasons)

	escalation, err := fixture.service.GetEscalation(ctx, *resp.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationStatusPending, escalation.Status)
	assert.Equal(t, "Rotate the signing key", escalation.TentativeAnswer)
	assert.Equal(t, 88, escalation.Confidence)

	records := fixture.auditLines(t, "005-auth")
	require.Len(t, records, 1)
	assert.Equal(t, models.AuditStatusEscalated, records[0].Status)
	require.NotNil(t, records[0].EscalationID)
	assert.Equal(t, *resp.EscalationID, *records[0].EscalationID)
}

func TestResolveEscalationCorrect(t *testing.T) {
	worker := &fakeWorker{resp: workerAnswer(70, "Use bcrypt")}
	fixture := newTestHub(t, worker, Options{})
	ctx := context.Background()

	asked, err := fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "Which password hash should we use?",
		FeatureID: "006-hash",
	})
	require.NoError(t, err)
	require.NotNil(t, asked.EscalationID)

	corrected := "Use Argon2id"
	result, err := fixture.service.ResolveEscalation(ctx, *asked.EscalationID, ResolveRequest{
		Action:    models.HumanActionCorrect,
		Response:  &corrected,
		Responder: "@jane",
	})
	require.NoError(t, err)
	assert.Equal(t, models.EscalationStatusResolved, result.Escalation.Status)
	require.NotNil(t, result.Escalation.HumanAction)
	assert.Equal(t, models.HumanActionCorrect, *result.Escalation.HumanAction)
	require.NotNil(t, result.Escalation.ResolvedAt)

	session, err := fixture.service.GetSession(ctx, asked.SessionID)
	require.NoError(t, err)
	last := session.Messages[len(session.Messages)-1]
	assert.Equal(t, models.MessageRoleHuman, last.Role)
	assert.Equal(t, "Use Argon2id", last.Content)

	var metadata map[string]string
	require.NoError(t, json.Unmarshal(last.Metadata, &metadata))
	assert.Equal(t, "@jane", metadata["responder"])
	assert.Equal(t, "correct", metadata["action"])

	// The correction is the canonical answer: the audit trail carries a
	// second record at confidence 100 alongside the escalated one.
	records := fixture.auditLines(t, "006-hash")
	require.Len(t, records, 2)
	assert.Equal(t, models.AuditStatusEscalated, records[0].Status)
	assert.Equal(t, models.AuditStatusResolved, records[1].Status)
	assert.Equal(t, "Use Argon2id", records[1].Answer)
	assert.Equal(t, 100, records[1].Confidence)
	assert.Equal(t, "Which password hash should we use?", records[1].Question)
	require.NotNil(t, records[1].EscalationID)
	assert.Equal(t, *asked.EscalationID, *records[1].EscalationID)

	// A second identical resolution conflicts.
	_, err = fixture.service.ResolveEscalation(ctx, *asked.EscalationID, ResolveRequest{
		Action:    models.HumanActionCorrect,
		Response:  &corrected,
		Responder: "@jane",
	})
	assert.True(t, errors.Is(err, repositories.ErrAlreadyResolved))
}

func TestResolveEscalationValidation(t *testing.T) {
	worker := &fakeWorker{resp: workerAnswer(50, "tentative")}
	fixture := newTestHub(t, worker, Options{})
	ctx := context.Background()

	asked, err := fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "Anything uncertain at all here?",
		FeatureID: "007-val",
	})
	require.NoError(t, err)
	require.NotNil(t, asked.EscalationID)

	_, err = fixture.service.ResolveEscalation(ctx, *asked.EscalationID, ResolveRequest{
		Action:    models.HumanActionCorrect,
		Responder: "@jane",
	})
	assert.True(t, errors.Is(err, ErrMissingResponse))

	_, err = fixture.service.ResolveEscalation(ctx, *asked.EscalationID, ResolveRequest{
		Action:    models.HumanActionConfirm,
		Responder: "Not A Handle",
	})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = fixture.service.ResolveEscalation(ctx, "no-such-escalation", ResolveRequest{
		Action:    models.HumanActionConfirm,
		Responder: "@jane",
	})
	assert.True(t, errors.Is(err, ErrEscalationNotFound))
}

func TestResolveEscalationAddContext(t *testing.T) {
	worker := &fakeWorker{resp: workerAnswer(60, "It depends on the deployment")}
	fixture := newTestHub(t, worker, Options{})
	ctx := context.Background()

	asked, err := fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "Should sessions be sticky?",
		FeatureID: "008-ctx",
	})
	require.NoError(t, err)
	require.NotNil(t, asked.EscalationID)

	info := "We run a single region behind one load balancer"
	result, err := fixture.service.ResolveEscalation(ctx, *asked.EscalationID, ResolveRequest{
		Action:    models.HumanActionAddContext,
		Response:  &info,
		Responder: "ops-lead",
	})
	require.NoError(t, err)
	require.NotNil(t, result.NeedsReroute)
	assert.Contains(t, *result.NeedsReroute, "Should sessions be sticky?")
	assert.Contains(t, *result.NeedsReroute, info)
}

func TestMultiTurnSessionContext(t *testing.T) {
	worker := &fakeWorker{resp: workerAnswer(95, "Start with OAuth2")}
	fixture := newTestHub(t, worker, Options{})
	ctx := context.Background()

	first, err := fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "I'm building OAuth2 login, where do I start?",
		FeatureID: "009-multi",
	})
	require.NoError(t, err)

	worker.mu.Lock()
	worker.resp = workerAnswer(91, "Prefer JWT here")
	worker.mu.Unlock()

	second, err := fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "JWT or server-side sessions?",
		FeatureID: "009-multi",
		SessionID: first.SessionID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	// The second worker request carried the prior [user, assistant] turns.
	require.Len(t, worker.reqs, 2)
	var workerCtx struct {
		Conversation []contracts.ConversationTurn `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(worker.reqs[1].Context, &workerCtx))
	require.Len(t, workerCtx.Conversation, 2)
	assert.Equal(t, "user", workerCtx.Conversation[0].Role)
	assert.Equal(t, "I'm building OAuth2 login, where do I start?", workerCtx.Conversation[0].Content)
	assert.Equal(t, "assistant", workerCtx.Conversation[1].Role)

	session, err := fixture.service.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, session.Messages, 4)
	roles := []models.MessageRole{}
	for _, msg := range session.Messages {
		roles = append(roles, msg.Role)
	}
	assert.Equal(t, []models.MessageRole{
		models.MessageRoleUser, models.MessageRoleAssistant,
		models.MessageRoleUser, models.MessageRoleAssistant,
	}, roles)

	records := fixture.auditLines(t, "009-multi")
	assert.Len(t, records, 2)
}

func TestSessionExpiryIsLazy(t *testing.T) {
	worker := &fakeWorker{resp: workerAnswer(90, "fine")}
	fixture := newTestHub(t, worker, Options{SessionTTL: 30 * time.Millisecond})
	ctx := context.Background()

	resp, err := fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "Quick one before the TTL hits?",
		FeatureID: "011-ttl",
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "And one after the TTL has hit?",
		FeatureID: "011-ttl",
		SessionID: resp.SessionID,
	})
	assert.True(t, errors.Is(err, ErrSessionExpired))

	// The lazy flip is visible on reads.
	session, err := fixture.service.GetSession(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, session.Session.Status)
}

func TestClosedSessionRejectsAppends(t *testing.T) {
	worker := &fakeWorker{resp: workerAnswer(90, "sure")}
	fixture := newTestHub(t, worker, Options{})
	ctx := context.Background()

	session, err := fixture.service.CreateSession(ctx, "baron", nil)
	require.NoError(t, err)

	closed, err := fixture.service.CloseSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusClosed, closed.Status)

	_, err = fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "Can I still use this session?",
		FeatureID: "012-closed",
		SessionID: session.ID,
	})
	assert.True(t, errors.Is(err, ErrSessionNotActive))
}

func TestAskValidation(t *testing.T) {
	fixture := newTestHub(t, &fakeWorker{resp: workerAnswer(90, "ok")}, Options{})
	ctx := context.Background()

	_, err := fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "short one",
		FeatureID: "005-auth",
	})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "long enough question here",
		FeatureID: "not-a-feature-id",
	})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = fixture.service.Ask(ctx, "astrology", contracts.AskExpertRequest{
		Question:  "what do the stars say about Go?",
		FeatureID: "005-auth",
	})
	var unknown *ErrUnknownTopic
	assert.True(t, errors.As(err, &unknown))

	_, err = fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "who holds this conversation?",
		FeatureID: "005-auth",
		SessionID: "no-such-session",
	})
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestWorkerFailurePropagates(t *testing.T) {
	fixture := newTestHub(t, &fakeWorker{err: ErrWorkerTimeout}, Options{})

	_, err := fixture.service.Ask(context.Background(), "architecture", contracts.AskExpertRequest{
		Question:  "Will this worker ever answer?",
		FeatureID: "013-timeout",
	})
	assert.True(t, errors.Is(err, ErrWorkerTimeout))

	// No completed exchange, no audit line.
	assert.Empty(t, fixture.auditLines(t, "013-timeout"))
}

func TestInvokeAssignsSessionAndAudits(t *testing.T) {
	result := json.RawMessage(`{"spec":"draft"}`)
	worker := &fakeWorker{resp: &contracts.InvokeResponse{Success: true, Result: result, Confidence: 85}}
	fixture := newTestHub(t, worker, Options{})
	ctx := context.Background()

	resp, err := fixture.service.Invoke(ctx, "baron", contracts.InvokeRequest{
		WorkflowType: "specify",
		Context:      json.RawMessage(`{"feature_id":"014-inv","feature_description":"whatever"}`),
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.NotEmpty(t, resp.SessionID)

	// The forwarded request carries the assigned session id.
	require.Len(t, worker.reqs, 1)
	assert.Equal(t, resp.SessionID, worker.reqs[0].SessionID)

	records := fixture.auditLines(t, "014-inv")
	require.Len(t, records, 1)
	assert.Equal(t, "invoke:baron", records[0].Topic)
	assert.Equal(t, "specify", records[0].Question)

	_, err = fixture.service.Invoke(ctx, "nobody", contracts.InvokeRequest{WorkflowType: "specify"})
	var unknown *ErrUnknownAgent
	require.True(t, errors.As(err, &unknown))
	assert.Contains(t, unknown.KnownAgents, "baron")
}

func TestSweeperExpiresOverdueRows(t *testing.T) {
	worker := &fakeWorker{resp: workerAnswer(50, "tentative")}
	fixture := newTestHub(t, worker, Options{
		SessionTTL:    10 * time.Millisecond,
		EscalationTTL: 10 * time.Millisecond,
	})
	ctx := context.Background()

	asked, err := fixture.service.Ask(ctx, "architecture", contracts.AskExpertRequest{
		Question:  "Old enough to be swept away?",
		FeatureID: "015-sweep",
	})
	require.NoError(t, err)
	require.NotNil(t, asked.EscalationID)

	time.Sleep(25 * time.Millisecond)

	sweeper := NewSweeper(fixture.service, 5)
	sweeper.sweep()

	session, err := fixture.service.GetSession(ctx, asked.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, session.Session.Status)

	escalation, err := fixture.service.GetEscalation(ctx, *asked.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, models.EscalationStatusExpired, escalation.Status)

	// Resolving an expired escalation conflicts like a resolved one.
	_, err = fixture.service.ResolveEscalation(ctx, *asked.EscalationID, ResolveRequest{
		Action:    models.HumanActionConfirm,
		Responder: "@jane",
	})
	assert.True(t, errors.Is(err, repositories.ErrAlreadyResolved))
}
