//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"yolotune/internal/model"
)

func TestSQLiteStoreEvolutionLogAndRunRecords(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "yolotune.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if err := store.SaveEvolutionLog(ctx, sampleLog()); err != nil {
		t.Fatalf("save log: %v", err)
	}
	updated := sampleLog()
	updated.Rows = append(updated.Rows, model.EvolutionRecord{Fitness: model.Results{MAP: 0.7}})
	if err := store.SaveEvolutionLog(ctx, updated); err != nil {
		t.Fatalf("overwrite log: %v", err)
	}
	log, ok, err := store.GetEvolutionLog(ctx, "evolve.txt")
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if !ok || len(log.Rows) != 3 || log.Rows[2].Fitness.MAP != 0.7 {
		t.Fatalf("unexpected log: ok=%t %+v", ok, log)
	}

	version := model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
	for _, rec := range []model.RunRecord{
		{VersionedRecord: version, ID: "a", CreatedAtUTC: "2026-02-10T10:00:00Z"},
		{VersionedRecord: version, ID: "b", CreatedAtUTC: "2026-02-10T12:00:00Z", Results: model.Results{MAP: 0.5}},
	} {
		if err := store.SaveRunRecord(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", rec.ID, err)
		}
	}
	recs, err := store.ListRunRecords(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "b" || recs[0].Results.MAP != 0.5 {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if _, ok, err := store.GetRunRecord(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing record, ok=%t err=%v", ok, err)
	}
}

func TestSQLiteDefaultKind(t *testing.T) {
	if DefaultStoreKind() != "sqlite" {
		t.Fatalf("unexpected default store kind %s", DefaultStoreKind())
	}
}
