package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sugamdeol/hive-mind-hub/internal/db"
	"github.com/Sugamdeol/hive-mind-hub/internal/domain"
	"github.com/Sugamdeol/hive-mind-hub/internal/engine"
	"github.com/Sugamdeol/hive-mind-hub/internal/migrate"
	"github.com/Sugamdeol/hive-mind-hub/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), clock: &now}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return *env.clock }
	eng.Events.Now = eng.Now
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env *testEnv) register(t *testing.T, name string) {
	t.Helper()
	if _, err := env.Engine.RegisterAgent(env.Ctx, name, "pw-"+name, nil); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestRegisterAgentDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "worker-1")
	_, err := env.Engine.RegisterAgent(env.Ctx, "worker-1", "other", nil)
	if !errors.Is(err, engine.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "worker-1")

	a, err := env.Engine.Authenticate(env.Ctx, "worker-1", "pw-worker-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if a.Status != domain.AgentOnline {
		t.Fatalf("expected online after login, got %s", a.Status)
	}
	if a.LastSeenAt == nil {
		t.Fatal("expected last_seen_at set after login")
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "worker-1", "wrong"); !errors.Is(err, engine.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for wrong password, got %v", err)
	}
	// Unknown name must yield the same error as a bad password.
	if _, err := env.Engine.Authenticate(env.Ctx, "ghost", "pw"); !errors.Is(err, engine.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for unknown agent, got %v", err)
	}
}

func TestHeartbeatBusySticky(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "worker-1")

	if err := env.Engine.Heartbeat(env.Ctx, "worker-1", domain.AgentBusy, nil); err != nil {
		t.Fatalf("heartbeat busy: %v", err)
	}
	// A plain heartbeat must not clobber busy.
	if err := env.Engine.Heartbeat(env.Ctx, "worker-1", "", nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	a, err := env.Engine.Repo.GetAgent(env.Ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AgentBusy {
		t.Fatalf("busy should stick through plain heartbeats, got %s", a.Status)
	}
	// Explicit online clears it.
	if err := env.Engine.Heartbeat(env.Ctx, "worker-1", domain.AgentOnline, nil); err != nil {
		t.Fatal(err)
	}
	a, _ = env.Engine.Repo.GetAgent(env.Ctx, "worker-1")
	if a.Status != domain.AgentOnline {
		t.Fatalf("expected online, got %s", a.Status)
	}
	if err := env.Engine.Heartbeat(env.Ctx, "worker-1", "offline", nil); err == nil {
		t.Fatal("agents cannot heartbeat themselves offline")
	}
	if err := env.Engine.Heartbeat(env.Ctx, "ghost", "", nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "worker-1")

	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{CreatedBy: "admin"}); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Command: "uptime", AssignedTo: "ghost", CreatedBy: "admin",
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown assignee, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Command: "uptime", AssignedTo: "worker-1", Broadcast: true, CreatedBy: "admin",
	}); err == nil {
		t.Fatal("expected error for broadcast with assignee")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Command: "uptime", ProjectID: "no-such-project", CreatedBy: "admin",
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown project, got %v", err)
	}
	// A task naming the unknown project must not have been inserted.
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected task leaked a row: %+v", tasks)
	}

	pinned, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Command: "uptime", AssignedTo: "worker-1", CreatedBy: "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if pinned.Broadcast || pinned.AssignedTo == nil || *pinned.AssignedTo != "worker-1" {
		t.Fatalf("pinned task mis-targeted: %+v", pinned)
	}
	if pinned.Kind != "exec" {
		t.Fatalf("expected default kind exec, got %s", pinned.Kind)
	}

	bcast, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Command: "uptime", CreatedBy: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	if !bcast.Broadcast || bcast.AssignedTo != nil {
		t.Fatalf("unassigned task should be broadcast: %+v", bcast)
	}
}

func TestPollClaimsPinnedAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "worker-1")
	env.register(t, "worker-2")

	mk := func(opts engine.TaskCreateOptions) domain.Task {
		t.Helper()
		opts.CreatedBy = "admin"
		task, err := env.Engine.CreateTask(env.Ctx, opts)
		if err != nil {
			t.Fatal(err)
		}
		return task
	}
	mine := mk(engine.TaskCreateOptions{Command: "a", AssignedTo: "worker-1"})
	theirs := mk(engine.TaskCreateOptions{Command: "b", AssignedTo: "worker-2"})
	pool := mk(engine.TaskCreateOptions{Command: "c"})

	got, err := env.Engine.PollAndClaim(env.Ctx, "worker-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected pinned + broadcast, got %d tasks", len(got))
	}
	ids := map[int64]bool{}
	for _, task := range got {
		ids[task.ID] = true
		if task.Status != domain.TaskClaimed {
			t.Fatalf("delivered task not claimed: %+v", task)
		}
		if task.AssignedTo == nil || *task.AssignedTo != "worker-1" {
			t.Fatalf("delivered task not pinned to claimer: %+v", task)
		}
	}
	if !ids[mine.ID] || !ids[pool.ID] || ids[theirs.ID] {
		t.Fatalf("wrong tasks delivered: %v", ids)
	}

	// Second poll returns nothing: claims are not re-delivered.
	got, err = env.Engine.PollAndClaim(env.Ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty poll, got %d tasks", len(got))
	}

	// worker-2 only sees its own pinned task; the broadcast is gone.
	got, err = env.Engine.PollAndClaim(env.Ctx, "worker-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != theirs.ID {
		t.Fatalf("worker-2 should get only its pinned task, got %+v", got)
	}
}

func TestBroadcastDeliveredExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	const workers = 8
	names := make([]string, workers)
	for i := range names {
		names[i] = "w" + string(rune('a'+i))
		env.register(t, names[i])
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Command: "one-shot", CreatedBy: "admin"}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var delivered []string
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			got, err := env.Engine.PollAndClaim(env.Ctx, name)
			if err != nil {
				t.Errorf("poll %s: %v", name, err)
				return
			}
			if len(got) > 0 {
				mu.Lock()
				delivered = append(delivered, name)
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()
	if len(delivered) != 1 {
		t.Fatalf("broadcast delivered to %d agents (%v), want exactly 1", len(delivered), delivered)
	}
}

func TestReportResultOwnershipAndFinality(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "worker-1")
	env.register(t, "worker-2")

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Command: "x", AssignedTo: "worker-1", CreatedBy: "admin"})
	if err != nil {
		t.Fatal(err)
	}

	// Completing before claiming is refused.
	res := "out"
	if _, err := env.Engine.ReportResult(env.Ctx, task.ID, "worker-1", true, &res, nil); !errors.Is(err, engine.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for unclaimed task, got %v", err)
	}

	if _, err := env.Engine.PollAndClaim(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	// Someone else cannot complete it.
	if _, err := env.Engine.ReportResult(env.Ctx, task.ID, "worker-2", true, &res, nil); !errors.Is(err, engine.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for non-owner, got %v", err)
	}

	done, err := env.Engine.ReportResult(env.Ctx, task.ID, "worker-1", true, &res, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.TaskCompleted || done.Result == nil || *done.Result != "out" {
		t.Fatalf("bad completion record: %+v", done)
	}
	if done.CompletedBy == nil || *done.CompletedBy != "worker-1" {
		t.Fatalf("completed_by not recorded: %+v", done)
	}

	// First result is final.
	other := "late"
	if _, err := env.Engine.ReportResult(env.Ctx, task.ID, "worker-1", true, &other, nil); !errors.Is(err, engine.ErrNotOwner) {
		t.Fatalf("expected repeat completion to fail, got %v", err)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Result == nil || *got.Result != "out" {
		t.Fatalf("recorded result was overwritten: %+v", got)
	}

	if _, err := env.Engine.ReportResult(env.Ctx, 9999, "worker-1", true, &res, nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReportFailureStoresError(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "worker-1")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Command: "x", AssignedTo: "worker-1", CreatedBy: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PollAndClaim(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	msg := "exit status 1"
	done, err := env.Engine.ReportResult(env.Ctx, task.ID, "worker-1", false, nil, &msg)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.TaskFailed || done.Error == nil || *done.Error != msg {
		t.Fatalf("bad failure record: %+v", done)
	}
}

func TestReassignStale(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "worker-1")

	bcast, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Command: "b", CreatedBy: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	pinned, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Command: "p", AssignedTo: "worker-1", CreatedBy: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PollAndClaim(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}

	// Fresh heartbeat keeps claims alive.
	n, err := env.Engine.ReassignStale(env.Ctx, env.Engine.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("requeued %d tasks with a live owner", n)
	}

	env.advance(15 * time.Minute)
	n, err = env.Engine.ReassignStale(env.Ctx, env.Engine.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 requeued tasks, got %d", n)
	}

	b, _ := env.Engine.Repo.GetTask(env.Ctx, bcast.ID)
	if b.Status != domain.TaskPending || b.AssignedTo != nil {
		t.Fatalf("broadcast task should return to the pool: %+v", b)
	}
	p, _ := env.Engine.Repo.GetTask(env.Ctx, pinned.ID)
	if p.Status != domain.TaskPending || p.AssignedTo == nil || *p.AssignedTo != "worker-1" {
		t.Fatalf("pinned task should stay pinned: %+v", p)
	}

	// A completed task is never requeued.
	if _, err := env.Engine.PollAndClaim(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	res := "ok"
	if _, err := env.Engine.ReportResult(env.Ctx, pinned.ID, "worker-1", true, &res, nil); err != nil {
		t.Fatal(err)
	}
	env.advance(15 * time.Minute)
	if _, err := env.Engine.ReassignStale(env.Ctx, env.Engine.Now().Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	p, _ = env.Engine.Repo.GetTask(env.Ctx, pinned.ID)
	if p.Status != domain.TaskCompleted {
		t.Fatalf("completed task was disturbed: %+v", p)
	}
}

func TestMarkStaleAgentsOffline(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "worker-1")
	env.register(t, "worker-2")
	if _, err := env.Engine.Authenticate(env.Ctx, "worker-1", "pw-worker-1"); err != nil {
		t.Fatal(err)
	}
	env.advance(5 * time.Minute)
	if _, err := env.Engine.Authenticate(env.Ctx, "worker-2", "pw-worker-2"); err != nil {
		t.Fatal(err)
	}

	n, err := env.Engine.MarkStaleAgentsOffline(env.Ctx, env.Engine.Now().Add(-2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 agent flipped, got %d", n)
	}
	a1, _ := env.Engine.Repo.GetAgent(env.Ctx, "worker-1")
	a2, _ := env.Engine.Repo.GetAgent(env.Ctx, "worker-2")
	if a1.Status != domain.AgentOffline {
		t.Fatalf("stale agent still %s", a1.Status)
	}
	if a2.Status != domain.AgentOnline {
		t.Fatalf("fresh agent flipped to %s", a2.Status)
	}
}

func TestCreateProjectAtomicity(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "worker-1")

	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name:      "release",
		CreatedBy: "admin",
		InitialTasks: []engine.TaskSeed{
			{Command: "build"},
			{Command: ""}, // invalid
		},
	})
	if err == nil {
		t.Fatal("expected seed validation error")
	}
	projects, err := env.Engine.Repo.ListProjects(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 0 {
		t.Fatalf("failed creation leaked a project: %+v", projects)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("failed creation leaked tasks: %+v", tasks)
	}

	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name:      "release",
		CreatedBy: "admin",
		InitialTasks: []engine.TaskSeed{
			{Command: "build"},
			{Command: "test", AssignedTo: "worker-1"},
		},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	prog, err := env.Engine.Repo.ProjectProgress(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if prog.TaskCount != 2 || prog.CompletedCount != 0 {
		t.Fatalf("bad progress: %+v", prog)
	}
}

func TestUpdateProjectStatus(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name:      "migration",
		CreatedBy: "admin",
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := env.Engine.UpdateProjectStatus(env.Ctx, p.ID, domain.ProjectCompleted, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != domain.ProjectCompleted {
		t.Fatalf("expected completed, got %s", updated.Status)
	}
	got, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProjectCompleted {
		t.Fatalf("status not persisted: %s", got.Status)
	}

	if _, err := env.Engine.UpdateProjectStatus(env.Ctx, p.ID, "bogus", "admin"); err == nil {
		t.Fatal("expected error for invalid status")
	}
	if _, err := env.Engine.UpdateProjectStatus(env.Ctx, "no-such-project", domain.ProjectArchived, "admin"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown project, got %v", err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "project.status_changed", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one status change event, got %d", len(events))
	}
}

func TestProvisionAdminIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.ProvisionAdmin(env.Ctx, "main-bot", "secret1"); err != nil {
		t.Fatal(err)
	}
	// Re-provisioning with a different password must not rotate the
	// credential of the existing admin.
	if err := env.Engine.ProvisionAdmin(env.Ctx, "main-bot", "secret2"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "main-bot", "secret1"); err != nil {
		t.Fatalf("original credential rejected: %v", err)
	}

	// Switching the configured admin name demotes the old one.
	if err := env.Engine.ProvisionAdmin(env.Ctx, "new-bot", "secret3"); err != nil {
		t.Fatal(err)
	}
	old, _ := env.Engine.Repo.GetAgent(env.Ctx, "main-bot")
	cur, _ := env.Engine.Repo.GetAgent(env.Ctx, "new-bot")
	if old.Role != domain.RoleWorker {
		t.Fatalf("previous admin not demoted: %s", old.Role)
	}
	if cur.Role != domain.RoleAdmin {
		t.Fatalf("new admin not promoted: %s", cur.Role)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "worker-1")
	env.register(t, "worker-2")
	if _, err := env.Engine.Authenticate(env.Ctx, "worker-1", "pw-worker-1"); err != nil {
		t.Fatal(err)
	}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Command: "x", AssignedTo: "worker-1", CreatedBy: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Command: "y", CreatedBy: "admin"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "p", CreatedBy: "admin"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PollAndClaim(env.Ctx, "worker-1"); err != nil {
		t.Fatal(err)
	}
	res := "done"
	if _, err := env.Engine.ReportResult(env.Ctx, task.ID, "worker-1", true, &res, nil); err != nil {
		t.Fatal(err)
	}

	s, err := env.Engine.Stats(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalAgents != 2 || s.OfflineAgents != 1 || s.BusyAgents != 1 {
		t.Fatalf("bad agent counts: %+v", s)
	}
	if s.TotalTasks != 2 || s.CompletedToday != 1 {
		t.Fatalf("bad task counts: %+v", s)
	}
	if s.ActiveProjects != 1 {
		t.Fatalf("bad project count: %+v", s)
	}
	// The poll claimed the broadcast task too, so nothing is pending.
	if s.PendingTasks != 0 {
		t.Fatalf("bad pending count: %+v", s)
	}
}
