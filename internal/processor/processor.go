// Package processor turns pages of raw provider records into canonical
// store rows. Items fail independently; a batch always yields a report.
package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jun/drivesync/internal/metrics"
	"github.com/jun/drivesync/internal/model"
	"github.com/jun/drivesync/internal/store"
)

const (
	DefaultChunkSize   = 500
	DefaultConcurrency = 16
)

type Options struct {
	ChunkSize   int
	Concurrency int
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

type Processor struct {
	store  store.Store
	opts   Options
	owners *keyedMutex
}

func New(s store.Store, opts Options) *Processor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{store: s, opts: opts, owners: newKeyedMutex()}
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// Process runs every record of job and reports per-item outcomes.
func (p *Processor) Process(ctx context.Context, job model.SyncJob) model.BatchResult {
	result := model.BatchResult{
		BatchID:   job.BatchID,
		Errors:    []model.ItemError{},
		StartedAt: p.opts.Now().UTC(),
	}
	log := p.opts.Logger.WithFields(logrus.Fields{"batch_id": job.BatchID, "records": len(job.Records)})

	var mu sync.Mutex
	users := make(map[string]struct{})

	for start := 0; start < len(job.Records); start += p.opts.ChunkSize {
		end := min(start+p.opts.ChunkSize, len(job.Records))

		var g errgroup.Group
		g.SetLimit(p.opts.Concurrency)
		for _, rec := range job.Records[start:end] {
			g.Go(func() error {
				permissionID, err := p.processItem(ctx, rec)
				var id string
				if err != nil {
					id = p.degrade(ctx, rec, err, log)
				}

				mu.Lock()
				defer mu.Unlock()
				if permissionID != "" {
					users[permissionID] = struct{}{}
				}
				if err == nil {
					result.Success++
					return nil
				}
				result.Failed++
				result.Errors = append(result.Errors, model.ItemError{FileID: id, Error: err.Error()})
				return nil
			})
		}
		_ = g.Wait()
	}

	result.UsersProcessed = len(users)
	result.FinishedAt = p.opts.Now().UTC()
	metrics.ObserveBatch(result.Success, result.Failed, result.UsersProcessed, result.FinishedAt.Sub(result.StartedAt))
	log.WithFields(logrus.Fields{
		"success":         result.Success,
		"failed":          result.Failed,
		"users_processed": result.UsersProcessed,
	}).Info("Batch processed")
	return result
}

// processItem resolves the owner, validates and upserts one record. It
// returns the owner's permission id when one was resolved.
func (p *Processor) processItem(ctx context.Context, rec model.RawFileRecord) (permissionID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	ownerID, permissionID, err := p.resolveOwner(ctx, rec)
	if err != nil {
		return "", err
	}

	switch v := Validate(rec).(type) {
	case Invalid:
		return permissionID, &ValidationError{Errors: v.Errors}
	case Valid:
		if len(v.Warnings) > 0 {
			p.opts.Logger.WithField("file_id", v.File.ID).Debugf("Validation warnings: %v", v.Warnings)
		}
		f := v.File
		f.OwnerUserID = ownerID
		f.SyncStatus = model.SyncStatusSuccess
		f.LastSyncAttempt = p.opts.Now().UTC()
		if err := p.store.UpsertFile(ctx, f); err != nil {
			return permissionID, fmt.Errorf("upsert file %s: %w", f.ID, err)
		}
	}
	return permissionID, nil
}

// recordKey returns the record id, or a stable key derived from its payload.
func recordKey(rec model.RawFileRecord) string {
	if id, ok := rec.ID(); ok {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", map[string]any(rec)))
	}
	sum := sha256.Sum256(payload)
	return "unidentified:" + hex.EncodeToString(sum[:])
}

// errorDetails is the panic stack, the field errors of a validation failure,
// or the wrapped error chain one layer per line.
func errorDetails(cause error) string {
	var pe *panicError
	if errors.As(cause, &pe) {
		return string(pe.stack)
	}
	var ve *ValidationError
	if errors.As(cause, &ve) {
		return strings.Join(ve.Errors, "\n")
	}
	var chain []string
	for err := cause; err != nil; err = errors.Unwrap(err) {
		chain = append(chain, err.Error())
	}
	return strings.Join(chain, "\n")
}

// degrade writes an error row for rec so every observed record has a row.
func (p *Processor) degrade(ctx context.Context, rec model.RawFileRecord, cause error, log logrus.FieldLogger) string {
	id := recordKey(rec)
	now := p.opts.Now().UTC()

	metadata := make(map[string]any, len(rec))
	for k, v := range rec {
		metadata[k] = v
	}
	f := &model.CanonicalFile{
		ID:              id,
		Name:            stringOr(rec["name"], ""),
		MimeType:        stringOr(rec["mimeType"], ""),
		Permissions:     []any{},
		Metadata:        metadata,
		SyncStatus:      model.SyncStatusError,
		LastSyncAttempt: now,
		ErrorLog: &model.ErrorLog{
			Error:     cause.Error(),
			Timestamp: now,
			Details:   errorDetails(cause),
		},
	}
	if err := p.store.UpsertFile(ctx, f); err != nil {
		log.WithError(err).WithField("file_id", id).Error("Failed to record degraded file")
	} else {
		log.WithError(cause).WithField("file_id", id).Warn("File degraded")
	}
	return id
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}
