package invocations

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/db"
)

// Migrations returns the schema migrations of the invocation log
func Migrations() []db.Migration {
	return []db.Migration{
		{
			Version:     20261017090000,
			Description: "Create skill_invocations table",
			Up: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS skill_invocations (
						id TEXT PRIMARY KEY,
						skill TEXT NOT NULL,
						command TEXT NOT NULL,
						args TEXT NOT NULL,
						result_preview TEXT NOT NULL,
						result_size INTEGER NOT NULL,
						error TEXT,
						cached INTEGER NOT NULL,
						attempts INTEGER NOT NULL,
						duration_ms INTEGER NOT NULL,
						started_at DATETIME NOT NULL
					)
				`); err != nil {
					return errors.Wrap(err, "failed to create skill_invocations table")
				}
				if _, err := tx.Exec(`
					CREATE INDEX IF NOT EXISTS idx_skill_invocations_skill_command
					ON skill_invocations(skill, command, started_at)
				`); err != nil {
					return errors.Wrap(err, "failed to create skill_invocations index")
				}
				return nil
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec("DROP TABLE IF EXISTS skill_invocations")
				return errors.Wrap(err, "failed to drop skill_invocations table")
			},
		},
	}
}
