package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sugamdeol/hive-mind-hub/internal/auth"
	"github.com/Sugamdeol/hive-mind-hub/internal/domain"
	"github.com/Sugamdeol/hive-mind-hub/internal/events"
	"github.com/Sugamdeol/hive-mind-hub/internal/repo"
)

var (
	ErrDuplicateName     = errors.New("agent name already exists")
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrNotOwner          = errors.New("task claimed by another agent")
)

// Engine orchestrates all hub state changes. Every mutation runs inside a
// single transaction against the shared pool; nothing holds locks across
// calls.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:   db,
		Repo: repo.Repo{DB: db},
		Now:  time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// RegisterAgent creates a worker identity. Names are case-sensitive and
// immutable once taken.
func (e Engine) RegisterAgent(ctx context.Context, name, password string, capabilities []string) (domain.Agent, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Agent{}, errors.New("name is required")
	}
	if password == "" {
		return domain.Agent{}, errors.New("password is required")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.Agent{}, err
	}
	a := domain.Agent{
		Name:         name,
		PasswordHash: hash,
		Role:         domain.RoleWorker,
		Status:       domain.AgentOffline,
		Capabilities: capabilities,
		CreatedAt:    e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return domain.Agent{}, ErrDuplicateName
		}
		return domain.Agent{}, err
	}
	if err := e.Events.Append(ctx, tx, "agent.registered", "agent", a.Name, a.Name, events.EventPayload{"capabilities": capabilities}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// Authenticate verifies a credential and marks the agent online. Unknown
// names burn a dummy hash comparison so the failure timing matches.
func (e Engine) Authenticate(ctx context.Context, name, password string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			auth.VerifyDummy(password)
			return domain.Agent{}, ErrInvalidCredential
		}
		return domain.Agent{}, err
	}
	if !auth.VerifyPassword(a.PasswordHash, password) {
		return domain.Agent{}, ErrInvalidCredential
	}
	ts := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.TouchLiveness(ctx, tx, name, domain.AgentOnline, nil, ts); err != nil {
		return domain.Agent{}, err
	}
	if err := e.Events.Append(ctx, tx, "agent.login", "agent", name, name, nil); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	a.Status = domain.AgentOnline
	a.LastSeenAt = &ts
	return a, nil
}

// Heartbeat stamps liveness. An explicit status wins; otherwise a busy
// agent stays busy and anything else returns to online.
func (e Engine) Heartbeat(ctx context.Context, name, status string, activity *string) error {
	if status != "" && status != domain.AgentOnline && status != domain.AgentBusy {
		return fmt.Errorf("invalid heartbeat status %q", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgentTx(ctx, tx, name)
	if err != nil {
		return err
	}
	next := status
	if next == "" {
		next = domain.AgentOnline
		if a.Status == domain.AgentBusy {
			next = domain.AgentBusy
		}
	}
	if err := e.Repo.TouchLiveness(ctx, tx, name, next, activity, e.timestamp()); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskCreateOptions are parameters for creating a task. Broadcast and
// AssignedTo are mutually exclusive; neither means broadcast.
type TaskCreateOptions struct {
	Kind        string
	Command     string
	Description string
	AssignedTo  string
	Broadcast   bool
	ProjectID   string
	CreatedBy   string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.createTaskTx(ctx, tx, opts)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) createTaskTx(ctx context.Context, tx *sql.Tx, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return domain.Task{}, errors.New("command is required")
	}
	if opts.Broadcast && opts.AssignedTo != "" {
		return domain.Task{}, errors.New("broadcast task cannot name an assignee")
	}
	if opts.Kind == "" {
		opts.Kind = "exec"
	}
	t := domain.Task{
		Kind:        opts.Kind,
		Command:     opts.Command,
		Description: opts.Description,
		Status:      domain.TaskPending,
		CreatedBy:   opts.CreatedBy,
		CreatedAt:   e.timestamp(),
	}
	if opts.AssignedTo != "" {
		if _, err := e.Repo.GetAgentTx(ctx, tx, opts.AssignedTo); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, fmt.Errorf("assignee %s: %w", opts.AssignedTo, err)
			}
			return domain.Task{}, err
		}
		t.AssignedTo = &opts.AssignedTo
	} else {
		t.Broadcast = true
	}
	if opts.ProjectID != "" {
		if _, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
			}
			return domain.Task{}, err
		}
		t.ProjectID = &opts.ProjectID
	}
	id, err := e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, err
	}
	t.ID = id
	if err := e.Events.Append(ctx, tx, "task.created", "task", fmt.Sprint(id), opts.CreatedBy, events.EventPayload{
		"kind":      t.Kind,
		"broadcast": t.Broadcast,
	}); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// PollAndClaim atomically hands the agent every deliverable pending task:
// tasks pinned to it plus any broadcast task it wins. All claims commit in
// one transaction, so across the whole fleet each task is delivered at
// most once. Losing a broadcast race is not an error; the task is simply
// absent from the result.
func (e Engine) PollAndClaim(ctx context.Context, agentName string) ([]domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetAgentTx(ctx, tx, agentName); err != nil {
		return nil, err
	}
	ts := e.timestamp()
	var delivered []domain.Task

	pinned, err := e.Repo.PendingForAgentTx(ctx, tx, agentName)
	if err != nil {
		return nil, err
	}
	for _, t := range pinned {
		ok, err := e.Repo.ClaimPinnedTx(ctx, tx, t.ID, agentName, ts)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		t.Status = domain.TaskClaimed
		t.ClaimedAt = &ts
		delivered = append(delivered, t)
	}

	broadcast, err := e.Repo.PendingBroadcastTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	for _, t := range broadcast {
		won, err := e.Repo.ClaimBroadcastTx(ctx, tx, t.ID, agentName, ts)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}
		name := agentName
		t.AssignedTo = &name
		t.Status = domain.TaskClaimed
		t.ClaimedAt = &ts
		delivered = append(delivered, t)
	}

	// Polling counts as liveness: a claim should not go stale while its
	// owner is actively talking to the hub.
	status := domain.AgentOnline
	if len(delivered) > 0 {
		status = domain.AgentBusy
	}
	if err := e.Repo.TouchLiveness(ctx, tx, agentName, status, nil, ts); err != nil {
		return nil, err
	}
	for _, t := range delivered {
		if err := e.Events.Append(ctx, tx, "task.claimed", "task", fmt.Sprint(t.ID), agentName, events.EventPayload{"broadcast": t.Broadcast}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return delivered, nil
}

// ReportResult records a completion for a claimed task owned by agentName.
// The guarded update makes repeats and non-owner calls fail without side
// effects; the first recorded result is never overwritten.
func (e Engine) ReportResult(ctx context.Context, taskID int64, agentName string, success bool, result, errMsg *string) (domain.Task, error) {
	status := domain.TaskCompleted
	evtType := "task.completed"
	if !success {
		status = domain.TaskFailed
		evtType = "task.failed"
	}
	ts := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CompleteTaskTx(ctx, tx, taskID, agentName, status, result, errMsg, ts)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		return domain.Task{}, fmt.Errorf("task %d (status %s): %w", taskID, t.Status, ErrNotOwner)
	}
	if err := e.Events.Append(ctx, tx, evtType, "task", fmt.Sprint(taskID), agentName, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// TaskSeed is one initial task in a project creation request.
type TaskSeed struct {
	Kind        string
	Command     string
	Description string
	AssignedTo  string
}

type ProjectCreateOptions struct {
	Name         string
	Description  string
	CreatedBy    string
	InitialTasks []TaskSeed
}

// CreateProject creates the project and its seed tasks in one transaction.
// A project is never observable with partial membership: any invalid seed
// task aborts the whole creation.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, errors.New("name is required")
	}
	p := domain.Project{
		ID:          uuid.New().String(),
		Name:        opts.Name,
		Description: opts.Description,
		Status:      domain.ProjectActive,
		CreatedBy:   opts.CreatedBy,
		CreatedAt:   e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	for _, seed := range opts.InitialTasks {
		if _, err := e.createTaskTx(ctx, tx, TaskCreateOptions{
			Kind:        seed.Kind,
			Command:     seed.Command,
			Description: seed.Description,
			AssignedTo:  seed.AssignedTo,
			ProjectID:   p.ID,
			CreatedBy:   opts.CreatedBy,
		}); err != nil {
			return domain.Project{}, fmt.Errorf("initial task: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "project.created", "project", p.ID, opts.CreatedBy, events.EventPayload{
		"name":  p.Name,
		"tasks": len(opts.InitialTasks),
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// UpdateProjectStatus moves a project between active, completed and
// archived. Only operators drive this; task completion never flips a
// project on its own.
func (e Engine) UpdateProjectStatus(ctx context.Context, id, status, actor string) (domain.Project, error) {
	switch status {
	case domain.ProjectActive, domain.ProjectCompleted, domain.ProjectArchived:
	default:
		return domain.Project{}, fmt.Errorf("invalid project status %q", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, id, status); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, fmt.Errorf("project %s: %w", id, err)
		}
		return domain.Project{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, id)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.status_changed", "project", id, actor, events.EventPayload{
		"status": status,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ProvisionAdmin ensures the singular admin identity exists. An existing
// agent only has its role flag repaired, never its credential; any other
// admin rows are demoted so exactly one admin remains.
func (e Engine) ProvisionAdmin(ctx context.Context, name, password string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = e.Repo.GetAgentTx(ctx, tx, name)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		a := domain.Agent{
			Name:         name,
			PasswordHash: hash,
			Role:         domain.RoleAdmin,
			Status:       domain.AgentOffline,
			CreatedAt:    e.timestamp(),
		}
		if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "agent.provisioned", "agent", name, name, events.EventPayload{"role": domain.RoleAdmin}); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := e.Repo.SetAgentRole(ctx, tx, name, domain.RoleAdmin); err != nil {
			return err
		}
	}
	if err := e.Repo.DemoteOtherAdmins(ctx, tx, name); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkStaleAgentsOffline flips online/busy agents to offline when their
// last heartbeat predates the cutoff. Returns how many were flipped.
func (e Engine) MarkStaleAgentsOffline(ctx context.Context, offlineBefore time.Time) (int, error) {
	cutoff := offlineBefore.UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	names, err := e.Repo.StaleAgentsTx(ctx, tx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, name := range names {
		if err := e.Repo.MarkAgentOfflineTx(ctx, tx, name); err != nil {
			return 0, err
		}
		if err := e.Events.Append(ctx, tx, "agent.offline", "agent", name, "monitor", nil); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(names), nil
}

// ReassignStale requeues claimed tasks whose owner stopped heartbeating
// before the cutoff. Originally-broadcast tasks return to the broadcast
// pool; pinned tasks revert to pending but stay pinned to their agent.
func (e Engine) ReassignStale(ctx context.Context, staleBefore time.Time) (int, error) {
	cutoff := staleBefore.UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stale, err := e.Repo.StaleClaimedTx(ctx, tx, cutoff)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, t := range stale {
		ok, err := e.Repo.RequeueTaskTx(ctx, tx, t.ID, t.Broadcast)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		count++
		if err := e.Events.Append(ctx, tx, "task.reassigned", "task", fmt.Sprint(t.ID), "monitor", events.EventPayload{
			"broadcast":  t.Broadcast,
			"was_owner":  deref(t.AssignedTo),
			"claimed_at": deref(t.ClaimedAt),
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// Stats aggregates fleet-wide counts for the admin dashboard.
func (e Engine) Stats(ctx context.Context) (domain.Stats, error) {
	var s domain.Stats
	agents, err := e.Repo.CountAgentsByStatus(ctx)
	if err != nil {
		return s, err
	}
	s.OnlineAgents = agents[domain.AgentOnline]
	s.BusyAgents = agents[domain.AgentBusy]
	s.OfflineAgents = agents[domain.AgentOffline]
	s.TotalAgents = s.OnlineAgents + s.BusyAgents + s.OfflineAgents

	tasks, err := e.Repo.CountTasksByStatus(ctx)
	if err != nil {
		return s, err
	}
	s.PendingTasks = tasks[domain.TaskPending]
	for _, n := range tasks {
		s.TotalTasks += n
	}
	dayStart := e.now().UTC().Truncate(24 * time.Hour).Format(time.RFC3339)
	s.CompletedToday, err = e.Repo.CountCompletedSince(ctx, dayStart)
	if err != nil {
		return s, err
	}
	s.ActiveProjects, err = e.Repo.CountProjectsByStatus(ctx, domain.ProjectActive)
	return s, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
