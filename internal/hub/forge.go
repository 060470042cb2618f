package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/spf13/afero"

	"github.com/farmer1st/farmer-code/internal/config"
	"github.com/farmer1st/farmer-code/internal/logging"
	"github.com/farmer1st/farmer-code/pkg/models"
)

// ForgeNotifier posts escalation notices to the issue tracker. Posting is
// best-effort: failure never blocks or fails escalation creation.
type ForgeNotifier interface {
	PostEscalation(ctx context.Context, esc *models.Escalation) (commentID string, err error)
}

// GitHubNotifier posts escalations as issue comments via the GitHub API.
type GitHubNotifier struct {
	gh     *github.Client
	owner  string
	repo   string
	number int

	fs            afero.Fs
	retryQueueDir string
	retryMu       sync.Mutex

	// attempts and backoffUnit exist so tests can shrink the retry loop.
	attempts    int
	backoffUnit time.Duration
}

// NewGitHubNotifier builds the notifier from config. Returns nil when the
// forge integration is not configured; callers treat a nil notifier as
// posting disabled.
func NewGitHubNotifier(cfg config.ForgeConfig, fs afero.Fs, retryQueueDir string) (*GitHubNotifier, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	owner, repo, err := cfg.OwnerRepo()
	if err != nil {
		return nil, err
	}

	gh := github.NewClient(nil).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid forge base url: %w", err)
		}
		gh.BaseURL = base
	}

	return &GitHubNotifier{
		gh:            gh,
		owner:         owner,
		repo:          repo,
		number:        cfg.IssueNumber,
		fs:            fs,
		retryQueueDir: retryQueueDir,
		attempts:      forgePostAttempts,
		backoffUnit:   time.Second,
	}, nil
}

// NewGitHubNotifierWithClient injects a prebuilt client; used by tests.
func NewGitHubNotifierWithClient(gh *github.Client, owner, repo string, number int, fs afero.Fs, retryQueueDir string) *GitHubNotifier {
	return &GitHubNotifier{
		gh:            gh,
		owner:         owner,
		repo:          repo,
		number:        number,
		fs:            fs,
		retryQueueDir: retryQueueDir,
		attempts:      forgePostAttempts,
		backoffUnit:   time.Second,
	}
}

const forgePostAttempts = 3

// PostEscalation posts the notice with a short in-process retry. On
// exhaustion the comment body goes to the retry queue and the error is
// returned for logging only.
func (n *GitHubNotifier) PostEscalation(ctx context.Context, esc *models.Escalation) (string, error) {
	body := escalationCommentBody(esc)

	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		comment, _, err := n.gh.Issues.CreateComment(ctx, n.owner, n.repo, n.number, &github.IssueComment{
			Body: github.Ptr(body),
		})
		if err == nil {
			return strconv.FormatInt(comment.GetID(), 10), nil
		}

		lastErr = err
		logging.Warn("forge comment attempt %d/%d for escalation %s failed: %v", attempt, n.attempts, esc.ID, err)

		if attempt < n.attempts {
			backoff := time.Duration(attempt*attempt) * n.backoffUnit
			select {
			case <-ctx.Done():
				n.enqueueRetry(esc.ID, body)
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	n.enqueueRetry(esc.ID, body)
	return "", lastErr
}

// retryEntry is one queued forge post awaiting the sweeper.
type retryEntry struct {
	EscalationID string    `json:"escalation_id"`
	Body         string    `json:"body"`
	QueuedAt     time.Time `json:"queued_at"`
}

func (n *GitHubNotifier) enqueueRetry(escalationID, body string) {
	if n.retryQueueDir == "" {
		return
	}

	n.retryMu.Lock()
	defer n.retryMu.Unlock()

	line, err := json.Marshal(retryEntry{
		EscalationID: escalationID,
		Body:         body,
		QueuedAt:     time.Now().UTC(),
	})
	if err != nil {
		return
	}

	if err := n.fs.MkdirAll(n.retryQueueDir, 0755); err != nil {
		logging.Warn("forge retry queue unavailable: %v", err)
		return
	}
	path := filepath.Join(n.retryQueueDir, "forge-retry.jsonl")
	f, err := n.fs.OpenFile(path, appendFlags, 0644)
	if err != nil {
		logging.Warn("forge retry queue unavailable: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		logging.Warn("forge retry queue write failed: %v", err)
	}
}

// FlushRetryQueue re-attempts queued posts once each; entries that fail
// again are re-queued. Invoked by the background sweeper.
func (n *GitHubNotifier) FlushRetryQueue(ctx context.Context) {
	if n == nil || n.retryQueueDir == "" {
		return
	}

	n.retryMu.Lock()
	path := filepath.Join(n.retryQueueDir, "forge-retry.jsonl")
	data, err := afero.ReadFile(n.fs, path)
	if err != nil {
		n.retryMu.Unlock()
		return
	}
	if err := n.fs.Remove(path); err != nil {
		n.retryMu.Unlock()
		return
	}
	n.retryMu.Unlock()

	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry retryEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		_, _, err := n.gh.Issues.CreateComment(ctx, n.owner, n.repo, n.number, &github.IssueComment{
			Body: github.Ptr(entry.Body),
		})
		if err != nil {
			logging.Warn("forge retry for escalation %s failed: %v", entry.EscalationID, err)
			n.enqueueRetry(entry.EscalationID, entry.Body)
		}
	}
}

// escalationCommentBody renders the question, tentative answer, uncertainty
// reasons, and the response hints a human can reply with.
func escalationCommentBody(esc *models.Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Expert escalation: %s\n\n", esc.Topic)
	fmt.Fprintf(&b, "**Question:** %s\n\n", esc.Question)
	fmt.Fprintf(&b, "**Tentative answer** (confidence %d):\n\n> %s\n\n", esc.Confidence, esc.TentativeAnswer)
	if len(esc.UncertaintyReasons) > 0 {
		b.WriteString("**Uncertainty reasons:**\n")
		for _, reason := range esc.UncertaintyReasons {
			fmt.Fprintf(&b, "- %s\n", reason)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Escalation `%s`. Respond with `/confirm`, `/correct <answer>`, or `/context <info>`.\n", esc.ID)
	return b.String()
}
