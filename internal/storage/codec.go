package storage

import (
	"encoding/json"
	"errors"

	"yolotune/internal/model"
)

const (
	CurrentSchemaVersion = model.CurrentSchemaVersion
	CurrentCodecVersion  = model.CurrentCodecVersion
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeEvolutionLog(l model.EvolutionLog) ([]byte, error) {
	return json.Marshal(l)
}

func DecodeEvolutionLog(data []byte) (model.EvolutionLog, error) {
	var l model.EvolutionLog
	if err := json.Unmarshal(data, &l); err != nil {
		return model.EvolutionLog{}, err
	}
	if err := checkVersion(l.VersionedRecord); err != nil {
		return model.EvolutionLog{}, err
	}
	return l, nil
}

func EncodeRunRecord(rec model.RunRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func DecodeRunRecord(data []byte) (model.RunRecord, error) {
	var rec model.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(rec.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return rec, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
