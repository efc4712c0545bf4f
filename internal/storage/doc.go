package storage

// Package storage provides the persisted key/value layer used by the
// check-in engine.
//
// It currently holds:
//   - Run records (one JSON array of result lines per day)
//   - Per-site progress records (done/retry sets per run type and day)
