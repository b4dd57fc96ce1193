package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/Sugamdeol/hive-mind-hub/internal/domain"
)

const taskColumns = `id,kind,command,description,assigned_to,broadcast,status,created_by,created_at,claimed_at,completed_at,completed_by,result,error,project_id`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var description, assignedTo, claimedAt, completedAt, completedBy, result, errMsg, projectID sql.NullString
	var broadcast int
	err := scan(&t.ID, &t.Kind, &t.Command, &description, &assignedTo, &broadcast, &t.Status,
		&t.CreatedBy, &t.CreatedAt, &claimedAt, &completedAt, &completedBy, &result, &errMsg, &projectID)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Broadcast = broadcast != 0
	if description.Valid {
		t.Description = description.String
	}
	if assignedTo.Valid {
		t.AssignedTo = &assignedTo.String
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if completedBy.Valid {
		t.CompletedBy = &completedBy.String
	}
	if result.Valid {
		t.Result = &result.String
	}
	if errMsg.Valid {
		t.Error = &errMsg.String
	}
	if projectID.Valid {
		t.ProjectID = &projectID.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	broadcast := 0
	if t.Broadcast {
		broadcast = 1
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(kind,command,description,assigned_to,broadcast,status,created_by,created_at,project_id)
VALUES (?,?,?,?,?,?,?,?,?)`,
		t.Kind, t.Command, nullable(t.Description), nullableStringPtr(t.AssignedTo), broadcast, t.Status, t.CreatedBy, t.CreatedAt, nullableStringPtr(t.ProjectID))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	Status     string
	AssignedTo string
	ProjectID  string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// PendingForAgentTx lists pending tasks pinned to the agent, oldest first.
func (r Repo) PendingForAgentTx(ctx context.Context, tx *sql.Tx, agentName string) ([]domain.Task, error) {
	return r.pendingTx(ctx, tx, `assigned_to=?`, agentName)
}

// PendingBroadcastTx lists unclaimed broadcast tasks, oldest first.
func (r Repo) PendingBroadcastTx(ctx context.Context, tx *sql.Tx) ([]domain.Task, error) {
	return r.pendingTx(ctx, tx, `assigned_to IS NULL`)
}

func (r Repo) pendingTx(ctx context.Context, tx *sql.Tx, clause string, args ...any) ([]domain.Task, error) {
	args = append(args, domain.TaskPending)
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+clause+` AND status=? ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimPinnedTx moves a task pinned to agentName from pending to claimed.
// The status guard makes the transition idempotent under races.
func (r Repo) ClaimPinnedTx(ctx context.Context, tx *sql.Tx, id int64, agentName, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, claimed_at=? WHERE id=? AND assigned_to=? AND status=?`,
		domain.TaskClaimed, ts, id, agentName, domain.TaskPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimBroadcastTx attempts the one-winner claim of a broadcast task. The
// guard re-checks pending state and broadcast targeting at write time, so
// at most one concurrent claimant ever sees RowsAffected==1.
func (r Repo) ClaimBroadcastTx(ctx context.Context, tx *sql.Tx, id int64, agentName, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET assigned_to=?, status=?, claimed_at=? WHERE id=? AND assigned_to IS NULL AND status=?`,
		agentName, domain.TaskClaimed, ts, id, domain.TaskPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteTaskTx records a result for a claimed task owned by agentName.
// Returns false when the guard rejects the write (wrong owner, wrong
// status, or no such task); callers disambiguate.
func (r Repo) CompleteTaskTx(ctx context.Context, tx *sql.Tx, id int64, agentName, status string, result, errMsg *string, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=?, completed_by=?, result=?, error=? WHERE id=? AND assigned_to=? AND status=?`,
		status, ts, agentName, nullableStringPtr(result), nullableStringPtr(errMsg), id, agentName, domain.TaskClaimed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// StaleClaimedTx lists claimed tasks whose owning agent has gone quiet.
func (r Repo) StaleClaimedTx(ctx context.Context, tx *sql.Tx, staleBefore string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+prefixedTaskColumns("t")+` FROM tasks t
JOIN agents a ON a.name = t.assigned_to
WHERE t.status=? AND (a.last_seen_at IS NULL OR a.last_seen_at < ?)`, domain.TaskClaimed, staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// RequeueTaskTx reverts a claimed task to pending. Broadcast tasks return
// to the pool; pinned tasks keep their target and wait.
func (r Repo) RequeueTaskTx(ctx context.Context, tx *sql.Tx, id int64, broadcast bool) (bool, error) {
	var res sql.Result
	var err error
	if broadcast {
		res, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, assigned_to=NULL, claimed_at=NULL WHERE id=? AND status=?`,
			domain.TaskPending, id, domain.TaskClaimed)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE tasks SET status=?, claimed_at=NULL WHERE id=? AND status=?`,
			domain.TaskPending, id, domain.TaskClaimed)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
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

func (r Repo) CountCompletedSince(ctx context.Context, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE status=? AND completed_at >= ?`, domain.TaskCompleted, since).Scan(&n)
	return n, err
}

func prefixedTaskColumns(alias string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ",")
}
