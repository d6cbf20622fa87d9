package evolve

import (
	"context"
	"errors"
	"path/filepath"

	"yolotune/internal/model"
	"yolotune/internal/storage"
)

// StoreSyncer keeps the evolution log in a storage.Store under Name, which
// defaults to the base name of the local file.
type StoreSyncer struct {
	Store storage.Store
	Name  string
}

func NewStoreSyncer(store storage.Store, name string) *StoreSyncer {
	return &StoreSyncer{Store: store, Name: name}
}

func (s *StoreSyncer) key(path string) string {
	if s.Name != "" {
		return s.Name
	}
	return filepath.Base(path)
}

// Pull overwrites the local file with the stored log. A log that was never
// pushed leaves the local file untouched.
func (s *StoreSyncer) Pull(ctx context.Context, path string) error {
	if s.Store == nil {
		return errors.New("syncer store is required")
	}
	log, ok, err := s.Store.GetEvolutionLog(ctx, s.key(path))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return WriteLog(path, log.Rows)
}

func (s *StoreSyncer) Push(ctx context.Context, path string) error {
	if s.Store == nil {
		return errors.New("syncer store is required")
	}
	rows, err := ReadLog(path)
	if err != nil {
		return err
	}
	return s.Store.SaveEvolutionLog(ctx, model.EvolutionLog{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		Name: s.key(path),
		Rows: rows,
	})
}
