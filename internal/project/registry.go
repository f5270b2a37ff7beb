package project

import (
	"fmt"
	"sync"
)

// Registry manages the collection of loaded projects
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

// NewRegistry creates a new project registry
func NewRegistry(projects map[string]*Project) *Registry {
	return &Registry{
		projects: projects,
	}
}

// Get retrieves a project by name
func (r *Registry) Get(name string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	project, exists := r.projects[name]
	if !exists {
		return nil, fmt.Errorf("project '%s' not found", name)
	}

	return project, nil
}

// ByRepo retrieves a project by its GitHub "owner/name" repository
func (r *Registry) ByRepo(repo string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, project := range r.projects {
		if project.Repo == repo {
			return project, nil
		}
	}
	return nil, fmt.Errorf("no project configured for repository '%s'", repo)
}

// List returns all project names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}

	return names
}

// Count returns the number of projects
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.projects)
}

// ConcurrencyPolicy returns the per-project concurrent-build flags in the
// shape the deployment tracker consumes.
func (r *Registry) ConcurrencyPolicy() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.projects))
	for name, project := range r.projects {
		out[name] = project.AllowConcurrent
	}
	return out
}
