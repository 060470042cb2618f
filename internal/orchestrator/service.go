package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/farmer1st/farmer-code/internal/config"
	"github.com/farmer1st/farmer-code/internal/db/repositories"
	"github.com/farmer1st/farmer-code/internal/logging"
	"github.com/farmer1st/farmer-code/pkg/models"
)

// ErrNotFound is surfaced as 404 unknown_workflow by the API layer.
var ErrNotFound = errors.New("workflow not found")

// ErrValidation is surfaced as 400 before any side effect.
var ErrValidation = errors.New("validation failed")

// Service drives workflow state. Every workflow has a single writer: all
// mutations for one workflow id serialize on its lock, and each status change
// commits atomically with its history row.
type Service struct {
	repos        *repositories.Orchestrator
	hub          HubClient
	agents       map[string]string
	defaultAgent string
	phases       map[models.WorkflowType][]string

	locks lockTable
	wg    sync.WaitGroup

	// baseCtx bounds executor tasks so shutdown cancels in-flight phases.
	baseCtx context.Context
}

func NewService(ctx context.Context, repos *repositories.Orchestrator, hub HubClient, cfg *config.Config) *Service {
	defaultAgent := cfg.DefaultAgent
	if defaultAgent == "" {
		defaultAgent = "baron"
	}

	phases := make(map[models.WorkflowType][]string)
	for wfType, list := range cfg.WorkflowPhases {
		t := models.WorkflowType(wfType)
		if t.Valid() && len(list) > 0 {
			phases[t] = list
		}
	}

	return &Service{
		repos:        repos,
		hub:          hub,
		agents:       cfg.WorkflowAgents,
		defaultAgent: defaultAgent,
		phases:       phases,
		baseCtx:      ctx,
	}
}

// Wait blocks until in-flight phase executors drain. Used by shutdown and tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

// now returns the microsecond-resolution UTC instant every persisted
// timestamp uses.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// CreateWorkflow derives the feature id, persists the workflow in pending,
// records the start transition, and kicks off phase one asynchronously.
func (s *Service) CreateWorkflow(ctx context.Context, wfType models.WorkflowType, description string, wfContext json.RawMessage) (*models.Workflow, error) {
	maxSeq, err := s.repos.Workflows.MaxFeatureSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to derive feature sequence: %w", err)
	}

	featureID := FeatureID(maxSeq+1, description)
	ts := now()

	wf, err := models.NewWorkflow(uuid.New().String(), wfType, featureID, description, wfContext, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := s.repos.Workflows.Create(ctx, wf); err != nil {
		return nil, err
	}

	lock := s.locks.acquire(wf.ID)
	lock.Lock()
	defer lock.Unlock()

	phase := s.phasesFor(wf.Type)[0]
	wf.Status = models.WorkflowStatusInProgress
	wf.CurrentPhase = &phase
	wf.UpdatedAt = now()

	if err := s.repos.Workflows.TransitionTx(ctx, wf, &models.WorkflowHistory{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		FromStatus: models.WorkflowStatusPending,
		ToStatus:   models.WorkflowStatusInProgress,
		Trigger:    models.TriggerStart,
		Metadata:   phaseMetadata(phase),
		CreatedAt:  wf.UpdatedAt,
	}); err != nil {
		return nil, err
	}

	s.startPhase(wf.ID)
	return wf, nil
}

// Get returns the current workflow snapshot.
func (s *Service) Get(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := s.repos.Workflows.Get(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrNotFound
	}
	return wf, err
}

// List returns workflows newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	return s.repos.Workflows.List(ctx, status)
}

// History returns the ordered transition log for a workflow.
func (s *Service) History(ctx context.Context, id string) ([]*models.WorkflowHistory, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repos.History.ListByWorkflow(ctx, id)
}

// AdvanceRequest carries an external trigger into the state machine.
type AdvanceRequest struct {
	Trigger     models.WorkflowTrigger
	PhaseResult json.RawMessage
	// Feedback accompanies human_rejected and is merged into the rework
	// context.
	Feedback string
	// Error accompanies the error trigger.
	Error string
}

// Advance applies a trigger. Illegal edges leave the workflow untouched and
// write no history.
func (s *Service) Advance(ctx context.Context, id string, req AdvanceRequest) (*models.Workflow, error) {
	if !req.Trigger.Valid() {
		return nil, fmt.Errorf("%w: invalid trigger %q", ErrValidation, req.Trigger)
	}

	lock := s.locks.acquire(id)
	lock.Lock()
	defer lock.Unlock()

	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if wf.Status.Terminal() {
		// A retried error trigger against an already-failed workflow is the
		// executor's retry path; answer with the snapshot instead of failing.
		if req.Trigger == models.TriggerError && wf.Status == models.WorkflowStatusFailed {
			return wf, nil
		}
		return nil, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, wf.Status)
	}

	phases := s.phasesFor(wf.Type)
	phaseIdx := phaseIndex(phases, wf.CurrentPhase)
	lastPhase := phaseIdx >= len(phases)-1

	next, err := NextStatus(wf.Status, req.Trigger, lastPhase)
	if err != nil {
		return nil, err
	}

	ts := now()
	history := &models.WorkflowHistory{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		FromStatus: wf.Status,
		ToStatus:   next,
		Trigger:    req.Trigger,
		CreatedAt:  ts,
	}
	wf.Status = next
	wf.UpdatedAt = ts

	switch req.Trigger {
	case models.TriggerAgentComplete:
		if len(req.PhaseResult) > 0 {
			wf.Result = req.PhaseResult
		}
		history.Metadata = phaseMetadata(currentPhase(wf))
	case models.TriggerHumanApproved:
		if lastPhase {
			completed := ts
			wf.CompletedAt = &completed
			history.Metadata = phaseMetadata(currentPhase(wf))
		} else {
			// Approval mid-sequence resumes with the next phase.
			nextPhase := phases[phaseIdx+1]
			wf.CurrentPhase = &nextPhase
			history.Metadata = phaseMetadata(nextPhase)
		}
	case models.TriggerHumanRejected:
		wf.Context = mergeReworkFeedback(wf.Context, req.Feedback)
		history.Metadata = reworkMetadata(currentPhase(wf), req.Feedback)
	case models.TriggerError:
		msg := req.Error
		if msg == "" {
			msg = "workflow failed"
		}
		wf.Error = &msg
		history.Metadata = errorMetadata(msg)
	}

	if err := s.repos.Workflows.TransitionTx(ctx, wf, history); err != nil {
		return nil, err
	}

	// A rejected phase reruns with the feedback folded into context; an
	// externally re-started workflow and a mid-sequence approval run their
	// phase the same way.
	if next == models.WorkflowStatusInProgress {
		s.startPhase(wf.ID)
	}

	return wf, nil
}

func (s *Service) agentFor(wfType models.WorkflowType) string {
	if agent, ok := s.agents[string(wfType)]; ok && agent != "" {
		return agent
	}
	return s.defaultAgent
}

// phasesFor returns the configured phase sequence for a workflow type; the
// default is a single phase named after the type.
func (s *Service) phasesFor(wfType models.WorkflowType) []string {
	if list, ok := s.phases[wfType]; ok {
		return list
	}
	return []string{string(wfType)}
}

// phaseIndex locates the active phase in the sequence; an unset or unknown
// phase counts as the first.
func phaseIndex(phases []string, current *string) int {
	if current == nil {
		return 0
	}
	for i, phase := range phases {
		if phase == *current {
			return i
		}
	}
	return 0
}

func currentPhase(wf *models.Workflow) string {
	if wf.CurrentPhase != nil {
		return *wf.CurrentPhase
	}
	return string(wf.Type)
}

func phaseMetadata(phase string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"phase": phase})
	return raw
}

func reworkMetadata(phase, feedback string) json.RawMessage {
	meta := map[string]string{"phase": phase}
	if feedback != "" {
		meta["feedback"] = feedback
	}
	raw, _ := json.Marshal(meta)
	return raw
}

func errorMetadata(msg string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return raw
}

// mergeReworkFeedback folds rejection feedback into the workflow context so
// the rerun phase sees it.
func mergeReworkFeedback(wfContext json.RawMessage, feedback string) json.RawMessage {
	if feedback == "" {
		return wfContext
	}
	merged := map[string]any{}
	if len(wfContext) > 0 {
		if err := json.Unmarshal(wfContext, &merged); err != nil {
			logging.Warn("workflow context is not an object; replacing for rework")
			merged = map[string]any{}
		}
	}
	merged["rework_feedback"] = feedback
	raw, _ := json.Marshal(merged)
	return raw
}

// lockTable hands out one mutex per workflow id.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *lockTable) acquire(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	if _, ok := t.locks[id]; !ok {
		t.locks[id] = &sync.Mutex{}
	}
	return t.locks[id]
}
