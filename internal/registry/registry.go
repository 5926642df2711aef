// Package registry resolves which trained model iteration scores each role for a flight.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/healthy-habitat/score-regions/internal/customvision"
	"go.uber.org/zap"
)

// Role is the scoring task a project serves
type Role string

const (
	RoleAnimal  Role = "animal"
	RoleHabitat Role = "habitat"
)

// Roles lists the roles in scoring order
var Roles = []Role{RoleAnimal, RoleHabitat}

// ModelService is the part of the Custom Vision training API the resolver needs
type ModelService interface {
	GetProjects(ctx context.Context) ([]customvision.Project, error)
	GetIterations(ctx context.Context, projectID string) ([]customvision.Iteration, error)
}

// Grouping is a matched project, its role (empty when it has none) and its latest iteration (nil when untrained)
type Grouping struct {
	ProjectID   string
	ProjectName string
	Role        Role
	Iteration   *customvision.Iteration
}

// Resolution is the ordered result of resolving a container, sorted by project name
type Resolution struct {
	Container string
	Groupings []Grouping
}

// For returns the grouping that scores role, or nil when no project took that
// role or its latest iteration is missing or unpublished
func (r *Resolution) For(role Role) *Grouping {
	if r == nil {
		return nil
	}
	for i := range r.Groupings {
		g := &r.Groupings[i]
		if g.Role != role {
			continue
		}
		if g.Iteration == nil || g.Iteration.PublishName == "" {
			return nil
		}
		return g
	}
	return nil
}

// Resolver picks the latest iteration per project and assigns roles
type Resolver struct {
	service  ModelService
	keywords map[Role]string
	logger   *zap.Logger
}

// NewResolver creates a resolver. A project whose name contains a role keyword
// (case-insensitive) takes that role; empty keywords disable the explicit match.
func NewResolver(service ModelService, animalKeyword, habitatKeyword string, logger *zap.Logger) *Resolver {
	return &Resolver{
		service: service,
		keywords: map[Role]string{
			RoleAnimal:  strings.ToLower(animalKeyword),
			RoleHabitat: strings.ToLower(habitatKeyword),
		},
		logger: logger,
	}
}

// Resolve lists the projects whose name contains container, sorted by name, and resolves
// each to its most recently modified iteration.
func (r *Resolver) Resolve(ctx context.Context, container string) (*Resolution, error) {
	projects, err := r.service.GetProjects(ctx)
	if err != nil {
		return nil, err
	}

	var matched []customvision.Project
	for _, p := range projects {
		if strings.Contains(p.Name, container) {
			matched = append(matched, p)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	groupings := make([]Grouping, len(matched))
	for i, p := range matched {
		iterations, err := r.service.GetIterations(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project %s: %w", p.Name, err)
		}
		groupings[i] = Grouping{
			ProjectID:   p.ID,
			ProjectName: p.Name,
			Iteration:   LatestIteration(iterations),
		}
	}

	r.assignRoles(groupings)

	for _, g := range groupings {
		fields := []zap.Field{
			zap.String("container", container),
			zap.String("project_id", g.ProjectID),
			zap.String("project_name", g.ProjectName),
			zap.String("role", string(g.Role)),
		}
		if g.Iteration != nil {
			fields = append(fields, zap.String("publish_name", g.Iteration.PublishName))
		}
		r.logger.Info("Resolved project iteration", fields...)
	}

	return &Resolution{Container: container, Groupings: groupings}, nil
}

// assignRoles tags keyword matches first, then hands the remaining roles to
// keyword-free projects in name order (animal before habitat).
func (r *Resolver) assignRoles(groupings []Grouping) {
	taken := make(map[Role]bool)
	keyworded := make([]bool, len(groupings))

	for i := range groupings {
		name := strings.ToLower(groupings[i].ProjectName)
		for _, role := range Roles {
			kw := r.keywords[role]
			if kw == "" || !strings.Contains(name, kw) {
				continue
			}
			keyworded[i] = true
			if !taken[role] {
				groupings[i].Role = role
				taken[role] = true
			}
			break
		}
	}

	for _, role := range Roles {
		if taken[role] {
			continue
		}
		for i := range groupings {
			if keyworded[i] || groupings[i].Role != "" {
				continue
			}
			groupings[i].Role = role
			taken[role] = true
			break
		}
	}
}

// LatestIteration returns the iteration with the newest LastModified, or nil when there are none.
// Ties keep the service's listing order.
func LatestIteration(iterations []customvision.Iteration) *customvision.Iteration {
	if len(iterations) == 0 {
		return nil
	}
	sorted := make([]customvision.Iteration, len(iterations))
	copy(sorted, iterations)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastModified.After(sorted[j].LastModified)
	})
	return &sorted[0]
}
