package domain

// Agent statuses.
const (
	AgentOffline = "offline"
	AgentOnline  = "online"
	AgentBusy    = "busy"
)

// Agent roles. Exactly one agent per deployment holds RoleAdmin.
const (
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

// Task statuses. Transitions are monotonic: pending -> claimed -> completed/failed.
// The only way back to pending is a stale-claim reassignment.
const (
	TaskPending   = "pending"
	TaskClaimed   = "claimed"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Project statuses.
const (
	ProjectActive    = "active"
	ProjectCompleted = "completed"
	ProjectArchived  = "archived"
)

type Agent struct {
	Name         string   `json:"name"`
	PasswordHash string   `json:"-"`
	Role         string   `json:"role" enum:"worker,admin"`
	Status       string   `json:"status" enum:"offline,online,busy"`
	LastSeenAt   *string  `json:"last_seen_at,omitempty" format:"date-time"`
	Activity     *string  `json:"activity,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

// Task is a unit of work relayed to an agent. The hub never interprets
// Command; it stores and delivers it verbatim.
//
// AssignedTo nil means the task is a broadcast: any agent may claim it,
// and the first successful claim pins it. Broadcast records the original
// targeting so a stale reassignment can return the task to the pool.
type Task struct {
	ID          int64   `json:"id"`
	Kind        string  `json:"kind"`
	Command     string  `json:"command"`
	Description string  `json:"description,omitempty"`
	AssignedTo  *string `json:"assigned_to,omitempty"`
	Broadcast   bool    `json:"broadcast"`
	Status      string  `json:"status" enum:"pending,claimed,completed,failed"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ClaimedAt   *string `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy *string `json:"completed_by,omitempty"`
	Result      *string `json:"result,omitempty"`
	Error       *string `json:"error,omitempty"`
	ProjectID   *string `json:"project_id,omitempty"`
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"active,completed,archived"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// ProjectProgress is always computed live from task rows, never stored.
type ProjectProgress struct {
	TaskCount      int `json:"task_count"`
	CompletedCount int `json:"completed_count"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Stats struct {
	TotalAgents    int `json:"total_agents"`
	OnlineAgents   int `json:"online_agents"`
	BusyAgents     int `json:"busy_agents"`
	OfflineAgents  int `json:"offline_agents"`
	TotalTasks     int `json:"total_tasks"`
	PendingTasks   int `json:"pending_tasks"`
	CompletedToday int `json:"completed_today"`
	ActiveProjects int `json:"active_projects"`
}
