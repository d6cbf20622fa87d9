package storage

import (
	"context"
	"testing"

	"yolotune/internal/model"
)

func sampleLog() model.EvolutionLog {
	return model.EvolutionLog{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		Name:            "evolve.txt",
		Rows: []model.EvolutionRecord{
			{Fitness: model.Results{MAP: 0.1}, Hyp: [12]float64{1, 2, 3}},
			{Fitness: model.Results{MAP: 0.4}, Hyp: [12]float64{4, 5, 6}},
		},
	}
}

func TestMemoryStoreEvolutionLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := sampleLog()
	if err := store.SaveEvolutionLog(ctx, input); err != nil {
		t.Fatalf("save log: %v", err)
	}
	input.Rows[0].Fitness.MAP = 99

	output, ok, err := store.GetEvolutionLog(ctx, "evolve.txt")
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted log")
	}
	if len(output.Rows) != 2 || output.Rows[0].Fitness.MAP != 0.1 || output.Rows[1].Hyp[2] != 6 {
		t.Fatalf("unexpected log: %+v", output)
	}

	if _, ok, err := store.GetEvolutionLog(ctx, "other"); err != nil || ok {
		t.Fatalf("expected missing log, ok=%t err=%v", ok, err)
	}
}

func TestMemoryStoreRunRecordsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, rec := range []model.RunRecord{
		{ID: "a", CreatedAtUTC: "2026-02-10T10:00:00Z"},
		{ID: "b", CreatedAtUTC: "2026-02-10T12:00:00Z"},
		{ID: "c", CreatedAtUTC: "2026-02-10T11:00:00Z"},
	} {
		if err := store.SaveRunRecord(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", rec.ID, err)
		}
	}
	recs, err := store.ListRunRecords(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "b" || recs[1].ID != "c" {
		t.Fatalf("unexpected order: %+v", recs)
	}
	rec, ok, err := store.GetRunRecord(ctx, "a")
	if err != nil || !ok || rec.ID != "a" {
		t.Fatalf("get run record: ok=%t err=%v rec=%+v", ok, err, rec)
	}
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	if err := store.SaveRunRecord(context.Background(), model.RunRecord{ID: "x"}); err == nil {
		t.Fatal("expected error before init")
	}
}
