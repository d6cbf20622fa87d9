package storage

import (
	"context"
	"sort"
	"sync"

	"yolotune/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	logs        map[string]model.EvolutionLog
	runs        map[string]model.RunRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.logs = make(map[string]model.EvolutionLog)
	s.runs = make(map[string]model.RunRecord)
	return nil
}

func (s *MemoryStore) SaveEvolutionLog(_ context.Context, log model.EvolutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	log.Rows = append([]model.EvolutionRecord(nil), log.Rows...)
	s.logs[log.Name] = log
	return nil
}

func (s *MemoryStore) GetEvolutionLog(_ context.Context, name string) (model.EvolutionLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[name]
	if !ok {
		return model.EvolutionLog{}, false, nil
	}
	log.Rows = append([]model.EvolutionRecord(nil), log.Rows...)
	return log, true, nil
}

func (s *MemoryStore) SaveRunRecord(_ context.Context, rec model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.runs[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetRunRecord(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[id]
	return rec, ok, nil
}

func (s *MemoryStore) ListRunRecords(_ context.Context, limit int) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtUTC == out[j].CreatedAtUTC {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAtUTC > out[j].CreatedAtUTC
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
