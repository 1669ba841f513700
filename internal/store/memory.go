package store

import (
	"context"
	"sort"
	"sync"

	"github.com/agentworks/credgate/internal/models"
)

// Memory implements Store on in-process maps. It backs the memory store
// driver and the service tests. A single mutex serializes every operation,
// which trivially satisfies the per-record guarantee.
type Memory struct {
	mu        sync.Mutex
	agents    map[string]*models.Agent
	quotas    map[string]*models.QuotaRecord
	rotations []models.RotationRecord
	tasks     map[string]*models.Task
}

func NewMemory() *Memory {
	return &Memory{
		agents: make(map[string]*models.Agent),
		quotas: make(map[string]*models.QuotaRecord),
		tasks:  make(map[string]*models.Task),
	}
}

func cloneAgent(a *models.Agent) *models.Agent {
	c := *a
	return &c
}

func (s *Memory) CreateAgent(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *Memory) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (s *Memory) GetAgentByKeyHash(ctx context.Context, hash string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.APIKeyHash == hash {
			return cloneAgent(a), nil
		}
		if a.PreviousAPIKeyHash != nil && *a.PreviousAPIKeyHash == hash {
			return cloneAgent(a), nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) ListAgents(ctx context.Context) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agents := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, *cloneAgent(a))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	return agents, nil
}

func (s *Memory) MutateAgent(ctx context.Context, id string, fn func(agent *models.Agent) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	working := cloneAgent(a)
	if err := fn(working); err != nil {
		return err
	}
	s.agents[id] = working
	return nil
}

func (s *Memory) GetQuota(ctx context.Context, apiKeyID string) (*models.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.quotas[apiKeyID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (s *Memory) MutateQuota(ctx context.Context, apiKeyID string, fn func(rec *models.QuotaRecord, found bool) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	working := models.QuotaRecord{APIKeyID: apiKeyID}
	existing, found := s.quotas[apiKeyID]
	if found {
		working = *existing
	}
	if err := fn(&working, found); err != nil {
		return err
	}
	s.quotas[apiKeyID] = &working
	return nil
}

func (s *Memory) AppendRotation(ctx context.Context, rec *models.RotationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotations = append(s.rotations, *rec)
	return nil
}

func (s *Memory) ListRotations(ctx context.Context, agentID string, limit int) ([]models.RotationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	records := make([]models.RotationRecord, 0)
	for i := len(s.rotations) - 1; i >= 0 && len(records) < limit; i-- {
		if s.rotations[i].AgentID == agentID {
			records = append(records, s.rotations[i])
		}
	}
	return records, nil
}

func (s *Memory) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *task
	s.tasks[task.ID] = &c
	return nil
}

func (s *Memory) ListTasks(ctx context.Context, workspaceID string) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]models.Task, 0)
	for _, t := range s.tasks {
		if t.WorkspaceID == workspaceID {
			tasks = append(tasks, *t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *Memory) GetTask(ctx context.Context, workspaceID, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.WorkspaceID != workspaceID {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *Memory) MutateTask(ctx context.Context, workspaceID, id string, fn func(task *models.Task) error) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.WorkspaceID != workspaceID {
		return nil, ErrNotFound
	}
	working := *t
	if err := fn(&working); err != nil {
		return nil, err
	}
	s.tasks[id] = &working
	c := working
	return &c, nil
}

func (s *Memory) DeleteTask(ctx context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.WorkspaceID != workspaceID {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

var _ Store = (*Memory)(nil)
