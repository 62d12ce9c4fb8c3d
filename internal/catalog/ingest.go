package catalog

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const fileAliasLength = 16

// acceptedExtensions lists the document types admitted into the pool.
// Anything else in a bundle is skipped.
var acceptedExtensions = map[string]struct{}{
	".pdf":  {},
	".txt":  {},
	".doc":  {},
	".docx": {},
}

var errMissingDatabase = errors.New("catalog: database handle is required")

// IngestorConfig describes the dependencies of the bundle ingestor.
type IngestorConfig struct {
	Database *gorm.DB
	FilesDir string
	Logger   *zap.Logger
}

// Ingestor unpacks uploaded bundles into the free-file pool, relocating every
// accepted document to a canonical path keyed by a generated alias.
type Ingestor struct {
	db       *gorm.DB
	filesDir string
	logger   *zap.Logger
}

// NewIngestor constructs the bundle ingestor.
func NewIngestor(cfg IngestorConfig) (*Ingestor, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if strings.TrimSpace(cfg.FilesDir) == "" {
		return nil, errors.New("catalog: files directory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{db: cfg.Database, filesDir: cfg.FilesDir, logger: logger}, nil
}

// IngestArchive extracts every accepted document from the zip bundle at
// bundlePath and inserts a pool record for each. Per-entry failures are logged
// and skipped; the record inserts commit as one transaction at the end. An
// unreadable archive aborts before any write.
func (ing *Ingestor) IngestArchive(ctx context.Context, bundlePath string) (int, error) {
	reader, err := zip.OpenReader(bundlePath)
	if err != nil {
		return 0, fmt.Errorf("catalog: open bundle: %w", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(ing.filesDir, 0o755); err != nil {
		return 0, fmt.Errorf("catalog: files directory: %w", err)
	}

	ingested := 0
	txErr := ing.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range reader.File {
			if entry.FileInfo().IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(entry.Name))
			if _, ok := acceptedExtensions[ext]; !ok {
				ing.logger.Debug("bundle entry skipped",
					zap.String("entry", entry.Name), zap.String("reason", "extension"))
				continue
			}

			alias := newFileAlias()
			destPath := filepath.Join(ing.filesDir, alias+ext)
			if err := extractEntry(entry, destPath); err != nil {
				ing.logger.Warn("bundle entry failed, skipping",
					zap.String("entry", entry.Name), zap.Error(err))
				continue
			}

			record := StoredFile{
				OriginalName: filepath.Base(entry.Name),
				Alias:        alias,
				Path:         destPath,
			}
			if err := tx.Create(&record).Error; err != nil {
				ing.logger.Warn("bundle entry record insert failed, skipping",
					zap.String("entry", entry.Name), zap.Error(err))
				_ = os.Remove(destPath)
				continue
			}
			ingested++
		}
		return nil
	})
	if txErr != nil {
		return 0, fmt.Errorf("catalog: ingest bundle: %w", txErr)
	}

	ing.logger.Info("bundle ingested",
		zap.String("bundle", filepath.Base(bundlePath)), zap.Int("files", ingested))
	return ingested, nil
}

// FreeFiles returns undistributed pool files in insertion order.
func (ing *Ingestor) FreeFiles(ctx context.Context) ([]StoredFile, error) {
	var files []StoredFile
	if err := ing.db.WithContext(ctx).
		Where("distributed = ?", false).
		Order("id ASC").
		Find(&files).Error; err != nil {
		return nil, fmt.Errorf("catalog: list free files: %w", err)
	}
	return files, nil
}

func extractEntry(entry *zip.File, destPath string) error {
	src, err := entry.Open()
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
		_ = os.Remove(destPath)
		return err
	}
	return dst.Close()
}

// newFileAlias derives a collision-resistant alias independent of the entry's
// name and content.
func newFileAlias() string {
	sum := sha256.Sum256([]byte(uuid.NewString() + time.Now().UTC().String()))
	return hex.EncodeToString(sum[:])[:fileAliasLength]
}
