package storage

import (
	"context"

	"yolotune/internal/model"
)

// Store persists evolution logs shared between hosts and the summaries of
// finished runs.
type Store interface {
	Init(ctx context.Context) error
	SaveEvolutionLog(ctx context.Context, log model.EvolutionLog) error
	GetEvolutionLog(ctx context.Context, name string) (model.EvolutionLog, bool, error)
	SaveRunRecord(ctx context.Context, rec model.RunRecord) error
	GetRunRecord(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRunRecords returns records newest first; limit <= 0 means all.
	ListRunRecords(ctx context.Context, limit int) ([]model.RunRecord, error)
}
