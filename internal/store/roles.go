package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/internal/backend"
	"github.com/crewdeck/crewdeck/internal/model"
)

// Role and member lookups are plain row operations; the detail screen
// keeps its own copy and there is no local caching here.

// RolesFor lists the roles of one project. Nil on failure.
func (s *Store) RolesFor(ctx context.Context, projectID uuid.UUID) []model.Role {
	var roles []model.Role
	if err := s.client.Select(ctx, "roles", backend.Eq("project_id", projectID.String()), &roles); err != nil {
		s.log.Error("fetch roles", "err", err, "project", projectID)
		return nil
	}
	return roles
}

// AddRole creates a role under a project. Nil on failure.
func (s *Store) AddRole(ctx context.Context, projectID uuid.UUID, name string, deadline *time.Time, tasks string) *model.Role {
	row := map[string]any{"project_id": projectID, "name": name}
	if deadline != nil {
		row["deadline"] = deadline.Format(time.RFC3339)
	}
	if tasks != "" {
		row["tasks"] = tasks
	}
	var created []model.Role
	if err := s.client.Insert(ctx, "roles", row, &created); err != nil {
		s.log.Error("add role", "err", err, "project", projectID)
		return nil
	}
	if len(created) == 0 {
		s.log.Error("add role: empty representation", "project", projectID)
		return nil
	}
	return &created[0]
}

// UpdateRole patches a role's name, deadline and task description.
func (s *Store) UpdateRole(ctx context.Context, id uuid.UUID, name string, deadline *time.Time, tasks string) bool {
	patch := map[string]any{"name": name, "tasks": tasks}
	if deadline != nil {
		patch["deadline"] = deadline.Format(time.RFC3339)
	} else {
		patch["deadline"] = nil
	}
	if err := s.client.Update(ctx, "roles", backend.Eq("id", id.String()), patch); err != nil {
		s.log.Error("update role", "err", err, "role", id)
		return false
	}
	return true
}

// RemoveRole deletes a role.
func (s *Store) RemoveRole(ctx context.Context, id uuid.UUID) bool {
	if err := s.client.Delete(ctx, "roles", backend.Eq("id", id.String())); err != nil {
		s.log.Error("remove role", "err", err, "role", id)
		return false
	}
	return true
}

// MembersFor lists a project's members with their profile usernames.
// Nil on failure; members without a profile row keep an empty name.
func (s *Store) MembersFor(ctx context.Context, projectID uuid.UUID) []model.Member {
	var memberships []model.Membership
	if err := s.client.Select(ctx, "project_members", backend.Eq("project_id", projectID.String()), &memberships); err != nil {
		s.log.Error("fetch members", "err", err, "project", projectID)
		return nil
	}
	if len(memberships) == 0 {
		return []model.Member{}
	}

	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		ids = append(ids, m.UserID.String())
	}
	var profiles []model.Profile
	if err := s.client.Select(ctx, "profiles", backend.In("id", ids), &profiles); err != nil {
		s.log.Error("fetch profiles", "err", err, "project", projectID)
		return nil
	}
	names := make(map[uuid.UUID]string, len(profiles))
	for _, p := range profiles {
		names[p.ID] = p.Username
	}

	out := make([]model.Member, 0, len(memberships))
	for _, m := range memberships {
		out = append(out, model.Member{Membership: m, Username: names[m.UserID]})
	}
	return out
}
