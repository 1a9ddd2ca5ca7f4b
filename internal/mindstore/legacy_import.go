package mindstore

import (
	"context"
	"fmt"
)

// legacyImportTables is the fixed allow-list of tables copied from an older
// database during a legacy import (spec §4.2, §6.4).
var legacyImportTables = []string{
	"raw_events",
	"t0_compacts",
	"context_states",
	"conversation_lineage",
	"artifacts",
	"artifact_task_links",
}

// ImportLegacyDatabase attaches the database at path, copies the fixed
// allow-list of tables with INSERT OR IGNORE (so rows already present in
// this store are not clobbered), and detaches unconditionally afterwards
// (spec §4.2 "Legacy import").
func (s *Store) ImportLegacyDatabase(ctx context.Context, path string) error {
	const alias = "legacy_import"

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`ATTACH DATABASE ? AS %s`, alias), path); err != nil {
		return wrapErr("invalid_payload", "attach legacy database", err)
	}
	defer func() {
		_, _ = s.db.ExecContext(ctx, fmt.Sprintf(`DETACH DATABASE %s`, alias))
	}()

	for _, table := range legacyImportTables {
		q := fmt.Sprintf(`INSERT OR IGNORE INTO %s SELECT * FROM %s.%s`, table, alias, table)
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return wrapErr("invalid_payload", fmt.Sprintf("copy legacy table %s", table), err)
		}
	}
	return nil
}
