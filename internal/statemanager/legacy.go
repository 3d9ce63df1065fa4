package statemanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rchpc/ide-broker/internal/core"
)

// LegacyImport reads a pre-database JSON session snapshot from path
// (the ENABLE_STATE_PERSISTENCE / STATE_FILE configuration option) and
// creates any session it names that is not already present in the
// store. It must run before Load, since Load repopulates the
// in-memory table from the database and would otherwise never see
// sessions that exist only in the legacy file. A missing file is not
// an error: most deployments start from an empty database.
func (m *Manager) LegacyImport(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read legacy state file: %w", err)
	}

	var rows []core.Session
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("parse legacy state file: %w", err)
	}

	for _, row := range rows {
		if _, err := m.sessions.Create(ctx, row.User, row.Cluster, row.IDE, row); err != nil {
			if de, ok := err.(*core.DomainError); ok && de.Code == core.ErrorCodeValidation {
				continue // already present, not an import failure
			}
			m.log.Warn("legacy import failed for session", "key", row.SessionKey, "error", err)
		}
	}
	return nil
}
