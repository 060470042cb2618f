package hub

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/farmer1st/farmer-code/internal/logging"
	"github.com/farmer1st/farmer-code/pkg/models"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newAuditID generates a ULID so audit lines sort lexically by time.
func newAuditID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

const appendFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY

// AuditLogger appends one JSONL record per completed exchange to
// {dir}/{feature_id}.jsonl. Appends for the same feature serialize; across
// features they proceed concurrently. The append completes before the HTTP
// response so audit cannot be lost silently.
type AuditLogger struct {
	fs  afero.Fs
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAuditLogger builds a logger rooted at dir. An empty dir disables
// auditing and logs a warning.
func NewAuditLogger(fs afero.Fs, dir string) *AuditLogger {
	if dir == "" {
		logging.Warn("AUDIT_LOG_PATH unset; audit logging disabled")
		return &AuditLogger{fs: fs}
	}
	return &AuditLogger{
		fs:    fs,
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}
}

// Enabled reports whether records will be written.
func (a *AuditLogger) Enabled() bool {
	return a.dir != ""
}

// Append durably writes the record. Any failure must surface to the caller:
// the exchange is only complete once its audit line is on disk.
func (a *AuditLogger) Append(record *models.AuditRecord) error {
	if !a.Enabled() {
		return nil
	}
	if record.ID == "" {
		record.ID = newAuditID()
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	lock := a.featureLock(record.FeatureID)
	lock.Lock()
	defer lock.Unlock()

	if err := a.fs.MkdirAll(a.dir, 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	path := filepath.Join(a.dir, record.FeatureID+".jsonl")
	f, err := a.fs.OpenFile(path, appendFlags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

func (a *AuditLogger) featureLock(featureID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.locks[featureID]; !ok {
		a.locks[featureID] = &sync.Mutex{}
	}
	return a.locks[featureID]
}
