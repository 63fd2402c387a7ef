package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/whaletrack-dev/api/pkg/kv"
)

// Run status values
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// JobTypeUpdateCheck is the job type for registry update checks
const JobTypeUpdateCheck = "update-check"

// maxRecordsPerJob bounds how much history is kept per job type
const maxRecordsPerJob = 50

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrRunNotMutable  = errors.New("run already completed or failed")
	ErrUnknownOutcome = errors.New("unknown run outcome")
)

// RunRecord is one entry in the run-history ledger. A record is created in
// the running state and transitions exactly once to completed or failed;
// after that it is immutable.
type RunRecord struct {
	ID           string     `json:"id"`
	JobType      string     `json:"job_type"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ItemsChecked int        `json:"items_checked"`
	ItemsUpdated int        `json:"items_updated"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Outcome is the terminal result of a run
type Outcome struct {
	Status       string
	ItemsChecked int
	ItemsUpdated int
	ErrorMessage string
}

// Ledger records job runs. Append and update-by-id only.
type Ledger interface {
	CreateRun(ctx context.Context, jobType string) (string, error)
	CompleteRun(ctx context.Context, runID string, outcome Outcome) error
	Recent(ctx context.Context, jobType string) ([]RunRecord, error)
}

// StoreLedger persists run records through the key/value store, one record
// list per job type, newest first.
type StoreLedger struct {
	store kv.Store
	now   func() time.Time

	mu sync.Mutex // serializes read-modify-write on the record lists
}

// NewLedger creates a ledger backed by the given store
func NewLedger(store kv.Store) *StoreLedger {
	return &StoreLedger{
		store: store,
		now:   time.Now,
	}
}

func ledgerKey(jobType string) string {
	return "runs:" + jobType
}

func runJobKey(runID string) string {
	return "runjob:" + runID
}

// CreateRun appends a new record in the running state and returns its ID
func (l *StoreLedger) CreateRun(ctx context.Context, jobType string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.load(ctx, jobType)
	if err != nil {
		return "", err
	}

	record := RunRecord{
		ID:        uuid.New().String(),
		JobType:   jobType,
		Status:    StatusRunning,
		StartedAt: l.now(),
	}

	records = append([]RunRecord{record}, records...)
	var trimmed []RunRecord
	if len(records) > maxRecordsPerJob {
		trimmed = records[maxRecordsPerJob:]
		records = records[:maxRecordsPerJob]
	}

	if err := l.save(ctx, jobType, records); err != nil {
		return "", err
	}
	// Records that fell off the retained list take their index keys with them
	for _, old := range trimmed {
		if err := l.store.Delete(ctx, runJobKey(old.ID)); err != nil && !errors.Is(err, kv.ErrNotFound) {
			return "", fmt.Errorf("failed to drop run index: %w", err)
		}
	}
	// Index the run's job type so CompleteRun can find its partition
	if err := l.store.Write(ctx, runJobKey(record.ID), []byte(jobType)); err != nil {
		return "", fmt.Errorf("failed to index run: %w", err)
	}
	return record.ID, nil
}

// CompleteRun transitions a running record to completed or failed
func (l *StoreLedger) CompleteRun(ctx context.Context, runID string, outcome Outcome) error {
	if outcome.Status != StatusCompleted && outcome.Status != StatusFailed {
		return fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	jobTypeBytes, err := l.store.Read(ctx, runJobKey(runID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return ErrRunNotFound
		}
		return fmt.Errorf("failed to resolve run job type: %w", err)
	}
	jobType := string(jobTypeBytes)

	records, err := l.load(ctx, jobType)
	if err != nil {
		return err
	}

	for i := range records {
		if records[i].ID != runID {
			continue
		}
		if records[i].Status != StatusRunning {
			return ErrRunNotMutable
		}

		now := l.now()
		records[i].Status = outcome.Status
		records[i].CompletedAt = &now
		records[i].ItemsChecked = outcome.ItemsChecked
		records[i].ItemsUpdated = outcome.ItemsUpdated
		records[i].ErrorMessage = outcome.ErrorMessage
		return l.save(ctx, jobType, records)
	}

	return ErrRunNotFound
}

// Recent returns the recorded runs for a job type, newest first
func (l *StoreLedger) Recent(ctx context.Context, jobType string) ([]RunRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx, jobType)
}

func (l *StoreLedger) load(ctx context.Context, jobType string) ([]RunRecord, error) {
	data, err := l.store.Read(ctx, ledgerKey(jobType))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run ledger: %w", err)
	}

	var records []RunRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode run ledger: %w", err)
	}
	return records, nil
}

func (l *StoreLedger) save(ctx context.Context, jobType string, records []RunRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode run ledger: %w", err)
	}
	if err := l.store.Write(ctx, ledgerKey(jobType), data); err != nil {
		return fmt.Errorf("failed to write run ledger: %w", err)
	}
	return nil
}
