package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/Sugamdeol/hive-mind-hub/internal/domain"
)

const agentColumns = `name,password_hash,role,status,last_seen_at,activity,capabilities,created_at`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var lastSeen, activity sql.NullString
	var caps string
	err := scan(&a.Name, &a.PasswordHash, &a.Role, &a.Status, &lastSeen, &activity, &caps, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.String
	}
	if activity.Valid {
		a.Activity = &activity.String
	}
	if caps != "" {
		_ = json.Unmarshal([]byte(caps), &a.Capabilities)
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return err
	}
	if a.Capabilities == nil {
		caps = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO agents(name,password_hash,role,status,last_seen_at,activity,capabilities,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.Name, a.PasswordHash, a.Role, a.Status, nullableStringPtr(a.LastSeenAt), nullableStringPtr(a.Activity), string(caps), a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, name string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name=?`, name)
	return scanAgent(row.Scan)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, name string) (domain.Agent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name=?`, name)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// TouchLiveness stamps last_seen_at and updates status/activity for a live
// agent. A busy agent reporting a plain heartbeat stays busy.
func (r Repo) TouchLiveness(ctx context.Context, tx *sql.Tx, name, status string, activity *string, ts string) error {
	var res sql.Result
	var err error
	if activity != nil {
		res, err = tx.ExecContext(ctx, `UPDATE agents SET status=?, activity=?, last_seen_at=? WHERE name=?`,
			status, nullableStringPtr(activity), ts, name)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE agents SET status=?, last_seen_at=? WHERE name=?`, status, ts, name)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAgentRole repairs the role flag without touching the credential.
func (r Repo) SetAgentRole(ctx context.Context, tx *sql.Tx, name, role string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET role=? WHERE name=?`, role, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DemoteOtherAdmins enforces the single-admin invariant.
func (r Repo) DemoteOtherAdmins(ctx context.Context, tx *sql.Tx, keep string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET role='worker' WHERE role='admin' AND name != ?`, keep)
	return err
}

// StaleAgentsTx lists online/busy agents whose last heartbeat predates the
// cutoff. Agents that never heartbeated after login count as stale too.
func (r Repo) StaleAgentsTx(ctx context.Context, tx *sql.Tx, staleBefore string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM agents WHERE status IN ('online','busy') AND (last_seen_at IS NULL OR last_seen_at < ?)`, staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (r Repo) MarkAgentOfflineTx(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET status='offline', activity=NULL WHERE name=?`, name)
	return err
}

func (r Repo) CountAgentsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
