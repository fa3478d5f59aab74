package core

import "stancore/internal/infra/persistence/sqlite"

// SQLiteStore is the file-backed action log.
type SQLiteStore = sqlite.Store

// NewSQLiteStore constructs a new SQLite-backed persistent store using the
// provided file path (may be empty for default) and rules engine.
func NewSQLiteStore(path string, engine *RulesEngine) (*SQLiteStore, error) {
	return sqlite.NewStore(path, engine)
}
