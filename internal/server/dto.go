package server

import (
	"github.com/Sugamdeol/hive-mind-hub/internal/domain"
)

type RegisterRequest struct {
	Name         string   `json:"name" example:"worker-7"`
	Password     string   `json:"password"`
	Capabilities []string `json:"capabilities,omitempty" example:"[\"exec\",\"git\"]"`
}

type LoginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string        `json:"token"`
	Agent AgentResponse `json:"agent"`
}

type HeartbeatRequest struct {
	Status   string  `json:"status,omitempty" enum:",online,busy"`
	Activity *string `json:"activity,omitempty" example:"building release"`
}

type CompleteRequest struct {
	Success bool    `json:"success"`
	Result  *string `json:"result,omitempty"`
	Error   *string `json:"error,omitempty"`
}

type AssignTaskRequest struct {
	Kind        string `json:"kind,omitempty" example:"exec"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	AssignedTo  string `json:"assigned_to,omitempty"`
	Broadcast   bool   `json:"broadcast,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
}

type SeedTaskRequest struct {
	Kind        string `json:"kind,omitempty"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	AssignedTo  string `json:"assigned_to,omitempty"`
}

type CreateProjectRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	InitialTasks []SeedTaskRequest `json:"initial_tasks,omitempty"`
}

type UpdateProjectStatusRequest struct {
	Status string `json:"status" enum:"active,completed,archived"`
}

type AgentResponse struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Status       string   `json:"status"`
	LastSeenAt   *string  `json:"last_seen_at,omitempty"`
	Activity     *string  `json:"activity,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

type TaskResponse struct {
	ID          int64   `json:"id"`
	Kind        string  `json:"kind"`
	Command     string  `json:"command"`
	Description string  `json:"description,omitempty"`
	AssignedTo  *string `json:"assigned_to,omitempty"`
	Broadcast   bool    `json:"broadcast"`
	Status      string  `json:"status"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at"`
	ClaimedAt   *string `json:"claimed_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	CompletedBy *string `json:"completed_by,omitempty"`
	Result      *string `json:"result,omitempty"`
	Error       *string `json:"error,omitempty"`
	ProjectID   *string `json:"project_id,omitempty"`
}

type ProjectResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Status          string `json:"status"`
	CreatedBy       string `json:"created_by"`
	CreatedAt       string `json:"created_at"`
	TaskCount       int    `json:"task_count"`
	CompletedCount  int    `json:"completed_count"`
	ProgressPercent int    `json:"progress_percent"`
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		Name:         a.Name,
		Role:         a.Role,
		Status:       a.Status,
		LastSeenAt:   a.LastSeenAt,
		Activity:     a.Activity,
		Capabilities: a.Capabilities,
		CreatedAt:    a.CreatedAt,
	}
}

func mapAgents(items []domain.Agent) []AgentResponse {
	out := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		out = append(out, agentResponse(a))
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Kind:        t.Kind,
		Command:     t.Command,
		Description: t.Description,
		AssignedTo:  t.AssignedTo,
		Broadcast:   t.Broadcast,
		Status:      t.Status,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
		ClaimedAt:   t.ClaimedAt,
		CompletedAt: t.CompletedAt,
		CompletedBy: t.CompletedBy,
		Result:      t.Result,
		Error:       t.Error,
		ProjectID:   t.ProjectID,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func projectResponse(p domain.Project, prog domain.ProjectProgress) ProjectResponse {
	pct := 0
	if prog.TaskCount > 0 {
		pct = 100 * prog.CompletedCount / prog.TaskCount
	}
	return ProjectResponse{
		ID:              p.ID,
		Name:            p.Name,
		Description:     p.Description,
		Status:          p.Status,
		CreatedBy:       p.CreatedBy,
		CreatedAt:       p.CreatedAt,
		TaskCount:       prog.TaskCount,
		CompletedCount:  prog.CompletedCount,
		ProgressPercent: pct,
	}
}
