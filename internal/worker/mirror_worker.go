// Package worker runs background jobs that keep the profile store in line
// with the ledger.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/logging"
	"github.com/phone-pay/internal/models"
)

// Repairer writes the profile row for a registration the ledger already holds
type Repairer interface {
	Repair(ctx context.Context, phoneNumber, walletAddress string) (*models.RegistrationResult, error)
}

// Journal is the set of confirmed but unmirrored registrations
type Journal interface {
	Record(ctx context.Context, entry models.PendingMirror) error
	Resolve(ctx context.Context, phoneHash string) error
	Pending(ctx context.Context, limit int) ([]models.PendingMirror, error)
}

// EndpointResetter is implemented by RPC pools that can fall back to their primary
type EndpointResetter interface {
	TryResetToPrimary(ctx context.Context) bool
}

// MirrorWorker replays journal entries until the store has caught up
type MirrorWorker struct {
	repairer  Repairer
	journal   Journal
	endpoints EndpointResetter
	interval  time.Duration
	batchSize int
	running   bool
	mu        sync.RWMutex
	stopCh    chan struct{}
	doneCh    chan struct{}

	lastRunTime  time.Time
	lastRepaired int
	totalRuns    int64
	totalFixed   int64
	totalDropped int64
	lastErr      error
}

// MirrorWorkerConfig holds configuration for a mirror worker
type MirrorWorkerConfig struct {
	Repairer Repairer
	Journal  Journal
	// Endpoints is optional; when set the worker tries to move the RPC pool
	// back to its primary endpoint before each run
	Endpoints EndpointResetter
	// Interval between runs (default: 30 seconds)
	Interval time.Duration
	// BatchSize caps the entries replayed per run (default: 50)
	BatchSize int
}

// RunResult summarizes one pass over the journal
type RunResult struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
	Dropped  int `json:"dropped"`
	Failed   int `json:"failed"`
}

// NewMirrorWorker creates a new mirror worker
func NewMirrorWorker(cfg *MirrorWorkerConfig) (*MirrorWorker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Repairer == nil {
		return nil, fmt.Errorf("repairer cannot be nil")
	}
	if cfg.Journal == nil {
		return nil, fmt.Errorf("journal cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	return &MirrorWorker{
		repairer:  cfg.Repairer,
		journal:   cfg.Journal,
		endpoints: cfg.Endpoints,
		interval:  interval,
		batchSize: batchSize,
	}, nil
}

// Start begins the polling loop
func (w *MirrorWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("mirror worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	logging.WithFields(map[string]interface{}{
		"interval":  w.interval.String(),
		"batchSize": w.batchSize,
	}).Info("Mirror worker started")

	go w.pollLoop(ctx)
	return nil
}

// Stop gracefully stops the worker, waiting for an in-flight run to finish
func (w *MirrorWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("mirror worker not running")
	}
	w.running = false
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	select {
	case <-doneCh:
		logging.Info("Mirror worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for mirror worker to stop: %w", ctx.Err())
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timeout waiting for mirror worker to stop")
	}
}

func (w *MirrorWorker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// catch up immediately instead of waiting a full interval
	w.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.runLogged(ctx)
		}
	}
}

func (w *MirrorWorker) runLogged(ctx context.Context) {
	result, err := w.RunOnce(ctx)
	if err != nil {
		logging.WithError(err).Warn("Mirror run failed")
		return
	}
	if result.Scanned > 0 {
		logging.WithFields(map[string]interface{}{
			"scanned":  result.Scanned,
			"repaired": result.Repaired,
			"dropped":  result.Dropped,
			"failed":   result.Failed,
		}).Info("Mirror run completed")
	}
}

// RunOnce replays up to one batch of journal entries.
// A registration that now conflicts with another profile can never be
// mirrored and is dropped; any other failure keeps the entry for the next run.
func (w *MirrorWorker) RunOnce(ctx context.Context) (*RunResult, error) {
	if w.endpoints != nil {
		w.endpoints.TryResetToPrimary(ctx)
	}

	entries, err := w.journal.Pending(ctx, w.batchSize)
	if err != nil {
		w.finishRun(nil, err)
		return nil, err
	}

	result := &RunResult{Scanned: len(entries)}
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		log := logging.FromContext(ctx).WithFields(map[string]interface{}{
			"phoneHash": entry.PhoneHash,
			"txHash":    entry.TxHash,
			"attempts":  entry.Attempts,
		})

		_, repairErr := w.repairer.Repair(ctx, entry.PhoneE164, entry.WalletAddress)
		switch {
		case repairErr == nil:
			// Repair resolves the entry itself once the row is written
			result.Repaired++
		case isPermanent(repairErr):
			log.WithError(repairErr).Error("Dropping unmirrorable registration")
			if err := w.journal.Resolve(ctx, entry.PhoneHash); err != nil {
				log.WithError(err).Warn("Failed to drop journal entry")
			}
			result.Dropped++
		default:
			result.Failed++
			entry.Attempts++
			if err := w.journal.Record(ctx, entry); err != nil {
				log.WithError(err).Warn("Failed to update journal entry")
			}
			log.WithError(repairErr).Warn("Mirror repair failed, will retry")
		}
	}

	w.finishRun(result, nil)
	return result, nil
}

// isPermanent reports whether retrying the repair can never succeed
func isPermanent(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeAlreadyRegistered, apperrors.CodeInvalidPhoneFormat, apperrors.CodeInvalidParameter:
		return true
	}
	return false
}

func (w *MirrorWorker) finishRun(result *RunResult, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastRunTime = time.Now()
	w.totalRuns++
	w.lastErr = err
	if result != nil {
		w.lastRepaired = result.Repaired
		w.totalFixed += int64(result.Repaired)
		w.totalDropped += int64(result.Dropped)
	}
}

// MirrorWorkerStatus represents the current status of the worker
type MirrorWorkerStatus struct {
	Running      bool      `json:"running"`
	LastRunTime  time.Time `json:"lastRunTime"`
	LastRepaired int       `json:"lastRepaired"`
	TotalRuns    int64     `json:"totalRuns"`
	TotalFixed   int64     `json:"totalFixed"`
	TotalDropped int64     `json:"totalDropped"`
	LastError    string    `json:"lastError,omitempty"`
}

// GetStatus returns the current status of the worker
func (w *MirrorWorker) GetStatus() *MirrorWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := &MirrorWorkerStatus{
		Running:      w.running,
		LastRunTime:  w.lastRunTime,
		LastRepaired: w.lastRepaired,
		TotalRuns:    w.totalRuns,
		TotalFixed:   w.totalFixed,
		TotalDropped: w.totalDropped,
	}
	if w.lastErr != nil {
		status.LastError = w.lastErr.Error()
	}
	return status
}
