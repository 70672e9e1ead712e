package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"pacgen/internal/domain"
)

const maxRunListLimit = 500

// SaveGenerationRun inserts one pipeline run.
func SaveGenerationRun(ctx context.Context, run *domain.GenerationRun) error {
	if DB == nil {
		return ErrNotConfigured
	}
	if run == nil {
		return fmt.Errorf("generation run: nil run")
	}

	if err := DB.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("generation run: insert %s: %w", run.RunID, err)
	}
	return nil
}

// ListRecentRuns returns the newest runs for country first.
// An empty country lists runs of every country.
func ListRecentRuns(ctx context.Context, country string, limit int) ([]domain.GenerationRun, error) {
	if DB == nil {
		return nil, ErrNotConfigured
	}
	if limit <= 0 || limit > maxRunListLimit {
		limit = maxRunListLimit
	}

	tx := DB.WithContext(ctx).Model(&domain.GenerationRun{})
	if country != "" {
		tx = tx.Where("country = ?", country)
	}

	var runs []domain.GenerationRun
	if err := tx.Order("started_at DESC").Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("generation run: list: %w", err)
	}
	return runs, nil
}

// LatestSuccessfulRun returns nil without error when no run succeeded yet.
func LatestSuccessfulRun(ctx context.Context, country string) (*domain.GenerationRun, error) {
	if DB == nil {
		return nil, ErrNotConfigured
	}

	var run domain.GenerationRun
	err := DB.WithContext(ctx).
		Where("country = ? AND failed = ?", country, false).
		Order("started_at DESC").
		Order("id DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("generation run: latest: %w", err)
	}
	return &run, nil
}

// RunRecorder stores pipeline runs in DB.
type RunRecorder struct{}

func (RunRecorder) RecordRun(ctx context.Context, run domain.GenerationRun) error {
	return SaveGenerationRun(ctx, &run)
}
