package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gyeh/volumetria/internal/extract"
	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/normalize"
)

// PreflightResult holds all context resolved during the preflight phase.
type PreflightResult struct {
	// FilePath is the original path passed to Preflight, stored as-is.
	FilePath string
	// FileSHA256 is the hex-encoded SHA-256 digest of the file.
	FileSHA256 string
	// FileSize is the file size in bytes from os.Stat.
	FileSize int64
	// Columns is the canonical extract header.
	Columns []string
	// Batch is the newly registered batch, or the existing one when
	// AlreadyStaged is set.
	Batch *model.Batch
	// AlreadyStaged is true when the same file was already staged for the
	// same category and period and force mode is off.
	AlreadyStaged bool
}

// Preflight hashes the file, validates its header, and registers a batch
// keyed by (sha256, file category, reference period).
func Preflight(ctx context.Context, store Store, log zerolog.Logger, filePath string,
	category model.FileCategory, period model.Period, force bool) (*PreflightResult, error) {
	start := time.Now()

	sha, err := normalize.FileHash(filePath)
	if err != nil {
		return nil, fmt.Errorf("preflight hash: %w", err)
	}

	stat, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("preflight stat: %w", err)
	}

	reader, err := extract.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("preflight open: %w", err)
	}
	columns := reader.Columns()
	reader.Close()

	if err := extract.ValidateHeader(columns); err != nil {
		return nil, fmt.Errorf("preflight validate: %w", err)
	}

	pf := &PreflightResult{
		FilePath:   filePath,
		FileSHA256: sha,
		FileSize:   stat.Size(),
		Columns:    columns,
	}

	existing, err := store.FindBatch(ctx, sha, category, period)
	switch {
	case err == nil && !force:
		pf.Batch = existing
		pf.AlreadyStaged = true
		return pf, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("preflight find batch: %w", err)
	}

	b := &model.Batch{
		BatchID:         uuid.New(),
		FileCategory:    category,
		ReferencePeriod: period,
		SourceFile:      filepath.Base(filePath),
		SourceSHA256:    sha,
		FileSizeBytes:   stat.Size(),
		Status:          model.BatchStaging,
	}
	if err := store.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("preflight register batch: %w", err)
	}
	pf.Batch = b

	log.Info().
		Str("file", b.SourceFile).
		Str("sha256", sha).
		Str("batch_id", b.BatchID.String()).
		Str("file_category", string(category)).
		Str("reference_period", period.String()).
		Dur("duration", time.Since(start)).
		Msg("preflight complete")

	return pf, nil
}
