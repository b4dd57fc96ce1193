package migrate

import (
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "agents, tasks, projects, events",
		UpSQL: `
CREATE TABLE agents (
	name          TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'worker' CHECK (role IN ('worker','admin')),
	status        TEXT NOT NULL DEFAULT 'offline' CHECK (status IN ('offline','online','busy')),
	last_seen_at  TEXT,
	activity      TEXT,
	capabilities  TEXT NOT NULL DEFAULT '[]',
	created_at    TEXT NOT NULL
);

CREATE TABLE projects (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT,
	status      TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','completed','archived')),
	created_by  TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE tasks (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	kind         TEXT NOT NULL DEFAULT 'exec',
	command      TEXT NOT NULL,
	description  TEXT,
	assigned_to  TEXT,
	broadcast    INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','claimed','completed','failed')),
	created_by   TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	claimed_at   TEXT,
	completed_at TEXT,
	completed_by TEXT,
	result       TEXT,
	error        TEXT,
	project_id   TEXT REFERENCES projects(id)
);

CREATE INDEX idx_tasks_status ON tasks(status);
CREATE INDEX idx_tasks_assigned ON tasks(assigned_to, status);
CREATE INDEX idx_tasks_project ON tasks(project_id);

CREATE TABLE events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           TEXT NOT NULL,
	type         TEXT NOT NULL,
	entity_kind  TEXT NOT NULL,
	entity_id    TEXT,
	actor_id     TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}'
);
`,
	},
}

// Migrate applies pending migrations in order, all inside one transaction.
func Migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var currentVersion int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return fmt.Errorf("migration %d %s: %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		currentVersion = m.Version
	}
	return tx.Commit()
}
