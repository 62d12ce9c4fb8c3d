package distribution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"ticketgate/internal/catalog"
	"ticketgate/internal/subscription"
	"ticketgate/internal/transport"
)

var (
	errMissingDatabase = errors.New("distribution: database handle is required")
	errMissingCourier  = errors.New("distribution: courier is required")
	errFileClaimed     = errors.New("distribution: file already distributed")
	// ErrNoSubscriber indicates a recovery request for an unknown principal.
	ErrNoSubscriber = errors.New("distribution: no subscriber for principal")
)

const defaultHandoffTimeout = 30 * time.Second

// HandoffResult reports one handoff attempt.
type HandoffResult struct {
	Delivered     bool
	FailureReason string
}

// HandoffFailure identifies a subscriber the batch could not deliver to.
type HandoffFailure struct {
	PrincipalID int64
	FirstName   string
	Username    string
	Reason      string
}

// BatchReport summarizes one batch distribution run. When Shortage is true the
// run made no writes; Pending and Free carry the observed counts.
type BatchReport struct {
	Pending  int
	Free     int
	Sent     int
	Shortage bool
	Failures []HandoffFailure
}

// RecoveryOutcome classifies a re-delivery attempt.
type RecoveryOutcome string

const (
	// RecoveryDelivered means the payload was re-sent from backup.
	RecoveryDelivered RecoveryOutcome = "delivered"
	// RecoveryNothingToRecover means the subscriber has no successful delivery on record.
	RecoveryNothingToRecover RecoveryOutcome = "nothing-to-recover"
	// RecoveryFailed means the re-transmission failed; a failed record was appended.
	RecoveryFailed RecoveryOutcome = "failed"
)

// RecoveryResult reports a re-delivery attempt.
type RecoveryResult struct {
	Outcome  RecoveryOutcome
	Attempts int
	Reason   string
}

// Stats aggregates the operator-facing counters.
type Stats struct {
	Subscribers        int64
	ActiveSubscribers  int64
	PendingSubscribers int64
	Files              int64
	DistributedFiles   int64
	FreeFiles          int64
	Links              int64
	UsedLinks          int64
}

// EngineConfig describes the dependencies of the distribution engine.
type EngineConfig struct {
	Database       *gorm.DB
	Courier        transport.Courier
	BackupDir      string
	HandoffTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Engine pairs pending subscribers with free pool files, performs handoffs and
// maintains the delivery audit trail. Handoffs run sequentially so that every
// failure stays attributable to one pair and the courier is never hammered.
type Engine struct {
	db             *gorm.DB
	courier        transport.Courier
	backupDir      string
	handoffTimeout time.Duration
	clock          func() time.Time
	logger         *zap.Logger
}

// NewEngine constructs the distribution engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Courier == nil {
		return nil, errMissingCourier
	}
	timeout := cfg.HandoffTimeout
	if timeout <= 0 {
		timeout = defaultHandoffTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:             cfg.Database,
		courier:        cfg.Courier,
		backupDir:      cfg.BackupDir,
		handoffTimeout: timeout,
		clock:          clock,
		logger:         logger,
	}, nil
}

// DistributePendingBatch pairs the pending queue against the free pool in
// insertion order and hands one file to each subscriber. The run is
// all-or-nothing when files are short: a shortage makes no writes at all. A
// failed handoff never blocks the rest of the queue.
func (e *Engine) DistributePendingBatch(ctx context.Context) (BatchReport, error) {
	var pending []subscription.Subscriber
	if err := e.db.WithContext(ctx).
		Where("has_access = ? AND files_received = ? AND pending = ?", true, 0, true).
		Order("id ASC").
		Find(&pending).Error; err != nil {
		return BatchReport{}, fmt.Errorf("distribution: pending queue: %w", err)
	}

	var free []catalog.StoredFile
	if err := e.db.WithContext(ctx).
		Where("distributed = ?", false).
		Order("id ASC").
		Find(&free).Error; err != nil {
		return BatchReport{}, fmt.Errorf("distribution: free pool: %w", err)
	}

	report := BatchReport{Pending: len(pending), Free: len(free)}
	if len(pending) == 0 || len(free) == 0 {
		e.logger.Info("distribution batch: nothing to do",
			zap.Int("pending", report.Pending), zap.Int("free", report.Free))
		if len(pending) > 0 {
			report.Shortage = true
		}
		return report, nil
	}
	if len(free) < len(pending) {
		report.Shortage = true
		e.logger.Warn("distribution batch: file shortage",
			zap.Int("pending", report.Pending), zap.Int("free", report.Free))
		return report, nil
	}

	for i := range pending {
		subscriber := pending[i]
		file := free[i]
		result := e.sendFileToUser(ctx, subscriber, file)
		if result.Delivered {
			report.Sent++
			continue
		}
		report.Failures = append(report.Failures, HandoffFailure{
			PrincipalID: subscriber.PrincipalID,
			FirstName:   subscriber.FirstName,
			Username:    subscriber.Username,
			Reason:      result.FailureReason,
		})
	}

	e.logger.Info("distribution batch finished",
		zap.Int("pending", report.Pending),
		zap.Int("sent", report.Sent),
		zap.Int("failed", len(report.Failures)))
	return report, nil
}

// sendFileToUser performs one handoff: best-effort backup, transmission under
// the subscriber's alias, then the success bookkeeping in one transaction. It
// never propagates a failure past its boundary; every failure becomes a
// delivery record plus a HandoffResult.
func (e *Engine) sendFileToUser(ctx context.Context, subscriber subscription.Subscriber, file catalog.StoredFile) HandoffResult {
	ext := filepath.Ext(file.Path)
	backupPath := e.backupCopy(file.Path, subscriber.Alias, ext)

	payload, err := os.ReadFile(file.Path)
	if err != nil {
		e.logger.Error("handoff payload unreadable",
			zap.Int64("principal_id", subscriber.PrincipalID),
			zap.Uint("file_id", file.ID), zap.Error(err))
		e.recordFailure(ctx, subscriber.PrincipalID, file.ID, err)
		return HandoffResult{FailureReason: "payload unreadable"}
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.handoffTimeout)
	defer cancel()
	err = e.courier.SendDocument(sendCtx, subscriber.PrincipalID, transport.Document{
		Filename: subscriber.Alias + ext,
		Payload:  bytes.NewReader(payload),
		Caption:  deliveryCaption(subscriber.Alias, file.OriginalName),
	})
	if err != nil {
		e.logger.Warn("handoff transmission failed",
			zap.Int64("principal_id", subscriber.PrincipalID),
			zap.Uint("file_id", file.ID), zap.Error(err))
		e.recordFailure(ctx, subscriber.PrincipalID, file.ID, err)
		return HandoffResult{FailureReason: err.Error()}
	}

	now := e.clock().UTC()
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Conditional claim: the distributed flag is a one-way latch, and the
		// guard keeps two concurrent batch runs from double-assigning a file.
		claim := tx.Model(&catalog.StoredFile{}).
			Where("id = ? AND distributed = ?", file.ID, false).
			Updates(map[string]interface{}{
				"distributed":    true,
				"distributed_to": subscriber.PrincipalID,
				"distributed_at": now,
				"backup_path":    backupPath,
			})
		if claim.Error != nil {
			return fmt.Errorf("file claim: %w", claim.Error)
		}
		if claim.RowsAffected == 0 {
			return errFileClaimed
		}

		record := DeliveryRecord{
			PrincipalID: subscriber.PrincipalID,
			FileID:      file.ID,
			SentAt:      now,
			Status:      StatusSent,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("delivery record: %w", err)
		}

		if err := tx.Model(&subscription.Subscriber{}).
			Where("id = ?", subscriber.ID).
			Updates(map[string]interface{}{
				"files_received": gorm.Expr("files_received + 1"),
				"last_file_sent": now,
				"pending":        false,
			}).Error; err != nil {
			return fmt.Errorf("subscriber update: %w", err)
		}
		return nil
	})
	if txErr != nil {
		e.logger.Error("handoff bookkeeping failed",
			zap.Int64("principal_id", subscriber.PrincipalID),
			zap.Uint("file_id", file.ID), zap.Error(txErr))
		if !errors.Is(txErr, errFileClaimed) {
			e.recordFailure(ctx, subscriber.PrincipalID, file.ID, txErr)
		}
		return HandoffResult{FailureReason: txErr.Error()}
	}

	e.logger.Info("file delivered",
		zap.Int64("principal_id", subscriber.PrincipalID),
		zap.Uint("file_id", file.ID))
	return HandoffResult{Delivered: true}
}

// Recover re-sends the subscriber's most recent successfully delivered file
// from its backup copy. The delivered counters and the file's distributed
// state are left untouched; recovery only appends to the audit trail.
func (e *Engine) Recover(ctx context.Context, principalID int64) (RecoveryResult, error) {
	var subscriber subscription.Subscriber
	err := e.db.WithContext(ctx).
		Where("principal_id = ?", principalID).
		Take(&subscriber).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RecoveryResult{}, ErrNoSubscriber
	}
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("distribution: subscriber lookup: %w", err)
	}

	var prior DeliveryRecord
	err = e.db.WithContext(ctx).
		Where("principal_id = ? AND status IN ?", principalID,
			[]DeliveryStatus{StatusSent, StatusRecovered}).
		Order("id DESC").
		Take(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RecoveryResult{Outcome: RecoveryNothingToRecover}, nil
	}
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("distribution: delivery lookup: %w", err)
	}

	var file catalog.StoredFile
	if err := e.db.WithContext(ctx).Where("id = ?", prior.FileID).Take(&file).Error; err != nil {
		return RecoveryResult{}, fmt.Errorf("distribution: file lookup: %w", err)
	}

	// The live path may have been cleaned since delivery; the backup copy is
	// the canonical recovery source.
	sourcePath := file.BackupPath
	if sourcePath == "" {
		sourcePath = file.Path
	}
	payload, err := os.ReadFile(sourcePath)
	if err != nil {
		e.recordFailure(ctx, principalID, file.ID, err)
		return RecoveryResult{Outcome: RecoveryFailed, Reason: "backup unreadable"}, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.handoffTimeout)
	defer cancel()
	err = e.courier.SendDocument(sendCtx, principalID, transport.Document{
		Filename: subscriber.Alias + filepath.Ext(sourcePath),
		Payload:  bytes.NewReader(payload),
		Caption:  recoveryCaption(subscriber.Alias, file.OriginalName),
	})
	if err != nil {
		e.logger.Warn("recovery transmission failed",
			zap.Int64("principal_id", principalID), zap.Error(err))
		e.recordFailure(ctx, principalID, file.ID, err)
		return RecoveryResult{Outcome: RecoveryFailed, Reason: err.Error()}, nil
	}

	now := e.clock().UTC()
	record := DeliveryRecord{
		PrincipalID:      principalID,
		FileID:           file.ID,
		SentAt:           now,
		Status:           StatusRecovered,
		RecoveryAttempts: prior.RecoveryAttempts + 1,
		LastRecoveryAt:   &now,
	}
	if err := e.db.WithContext(ctx).Create(&record).Error; err != nil {
		e.logger.Error("recovery record insert failed",
			zap.Int64("principal_id", principalID), zap.Error(err))
		return RecoveryResult{}, fmt.Errorf("distribution: recovery record: %w", err)
	}

	e.logger.Info("file recovered",
		zap.Int64("principal_id", principalID),
		zap.Uint("file_id", file.ID),
		zap.Int("attempts", record.RecoveryAttempts))
	return RecoveryResult{Outcome: RecoveryDelivered, Attempts: record.RecoveryAttempts}, nil
}

// CollectStats aggregates the operator-facing counters in one place.
func (e *Engine) CollectStats(ctx context.Context) (Stats, error) {
	db := e.db.WithContext(ctx)
	var stats Stats
	counters := []struct {
		dest  *int64
		query *gorm.DB
	}{
		{&stats.Subscribers, db.Model(&subscription.Subscriber{})},
		{&stats.ActiveSubscribers, db.Model(&subscription.Subscriber{}).Where("has_access = ?", true)},
		{&stats.PendingSubscribers, db.Model(&subscription.Subscriber{}).Where("has_access = ? AND files_received = 0", true)},
		{&stats.Files, db.Model(&catalog.StoredFile{})},
		{&stats.DistributedFiles, db.Model(&catalog.StoredFile{}).Where("distributed = ?", true)},
		{&stats.FreeFiles, db.Model(&catalog.StoredFile{}).Where("distributed = ?", false)},
		{&stats.Links, db.Model(&subscription.SubscriptionLink{})},
		{&stats.UsedLinks, db.Model(&subscription.SubscriptionLink{}).Where("used = ?", true)},
	}
	for _, counter := range counters {
		if err := counter.query.Count(counter.dest).Error; err != nil {
			return Stats{}, fmt.Errorf("distribution: stats: %w", err)
		}
	}
	return stats, nil
}

// backupCopy duplicates the payload under the subscriber's alias. Best effort:
// a failed backup is logged and the handoff proceeds without one.
func (e *Engine) backupCopy(sourcePath, alias, ext string) string {
	if e.backupDir == "" {
		return ""
	}
	if err := os.MkdirAll(e.backupDir, 0o755); err != nil {
		e.logger.Warn("backup directory unavailable", zap.Error(err))
		return ""
	}
	backupPath := filepath.Join(e.backupDir, fmt.Sprintf("%s_backup%s", alias, ext))
	if err := copyFile(sourcePath, backupPath); err != nil {
		e.logger.Warn("backup copy failed",
			zap.String("source", sourcePath), zap.Error(err))
		return ""
	}
	return backupPath
}

// recordFailure appends a failed delivery record. The failure of the audit
// write itself is only logged; nothing here may take the process down.
func (e *Engine) recordFailure(ctx context.Context, principalID int64, fileID uint, cause error) {
	record := DeliveryRecord{
		PrincipalID: principalID,
		FileID:      fileID,
		SentAt:      e.clock().UTC(),
		Status:      StatusFailed,
		ErrorDetail: cause.Error(),
	}
	if err := e.db.WithContext(ctx).Create(&record).Error; err != nil {
		e.logger.Error("failed delivery record insert failed",
			zap.Int64("principal_id", principalID), zap.Error(err))
	}
}

func deliveryCaption(alias, originalName string) string {
	return fmt.Sprintf(
		"Your unique file.\n\nYour ID: %s\nOriginal name: %s\n\nKeep the file somewhere safe. If it is ever lost, use /recover to request redelivery.",
		alias, originalName)
}

func recoveryCaption(alias, originalName string) string {
	return fmt.Sprintf(
		"Redelivery of your file.\n\nYour ID: %s\nOriginal name: %s",
		alias, originalName)
}

func copyFile(sourcePath, destPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
