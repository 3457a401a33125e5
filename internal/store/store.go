// Package store keeps the local project list convergent with the
// backend: it owns the sync/merge logic, the mutation operations the
// screens call, and the realtime re-sync plumbing.
package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/internal/backend"
	"github.com/crewdeck/crewdeck/internal/model"
	"github.com/crewdeck/crewdeck/internal/session"
)

// Store is the collaborative data store. Mutating operations follow one
// failure policy: log the remote error, leave local state unchanged and
// return a nil/false result. No retries.
type Store struct {
	client *backend.Client
	log    *log.Logger

	mu        sync.Mutex
	user      *session.User
	projects  []model.Project
	listeners []func()

	recent *recentWrites

	sub       *backend.Subscription
	cancelSub context.CancelFunc

	snapshotPath string
}

// New builds a store around the given backend client.
func New(client *backend.Client, logger *log.Logger) *Store {
	return &Store{
		client: client,
		log:    logger,
		recent: newRecentWrites(5 * time.Second),
	}
}

// SetSnapshotPath enables the offline cache of the last synced list.
func (s *Store) SetSnapshotPath(path string) {
	s.mu.Lock()
	s.snapshotPath = path
	s.mu.Unlock()
}

// OnChange registers a listener invoked after every local list change.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Projects returns a snapshot of the current list.
func (s *Store) Projects() []model.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Project, len(s.projects))
	copy(out, s.projects)
	return out
}

// SetUser switches the store to a new user (nil = signed out): tears
// down the previous change subscription, resynchronizes, and subscribes
// to row changes scoped to the new user. The subscription lives until
// the next SetUser or Close.
func (s *Store) SetUser(ctx context.Context, u *session.User) {
	s.teardown()

	s.mu.Lock()
	s.user = u
	if u == nil {
		s.projects = nil
		s.mu.Unlock()
		s.notify()
		return
	}
	s.mu.Unlock()

	s.Resync(ctx)

	subCtx, cancel := context.WithCancel(context.Background())
	dialCtx, dialDone := context.WithTimeout(subCtx, 10*time.Second)
	sub, err := s.client.Subscribe(dialCtx, []backend.Topic{
		{Table: "projects"},
		{Table: "project_members", Filter: "user_id=eq." + u.ID.String()},
	})
	dialDone()
	if err != nil {
		// Without the feed we still work, just without live updates.
		s.log.Error("subscribe changes", "err", err)
		cancel()
		return
	}
	s.mu.Lock()
	s.sub = sub
	s.cancelSub = cancel
	s.mu.Unlock()
	go s.watch(subCtx, sub)
}

// Close releases the change subscription.
func (s *Store) Close() {
	s.teardown()
}

func (s *Store) teardown() {
	s.mu.Lock()
	sub, cancel := s.sub, s.cancelSub
	s.sub, s.cancelSub = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
}

// Resync rebuilds the list from the backend: projects owned by the user
// plus projects a membership row links them to, deduplicated by id with
// the first occurrence preferred. On any failure the prior list stays
// and Resync reports false.
func (s *Store) Resync(ctx context.Context) bool {
	s.mu.Lock()
	u := s.user
	s.mu.Unlock()
	if u == nil {
		return false
	}
	uid := u.ID.String()

	var owned []model.Project
	if err := s.client.Select(ctx, "projects", backend.Eq("owner_id", uid), &owned); err != nil {
		s.log.Error("fetch owned projects", "err", err)
		return false
	}

	var memberships []model.Membership
	if err := s.client.Select(ctx, "project_members", backend.Eq("user_id", uid), &memberships); err != nil {
		s.log.Error("fetch memberships", "err", err)
		return false
	}

	var linked []model.Project
	if len(memberships) > 0 {
		ids := make([]string, 0, len(memberships))
		for _, m := range memberships {
			ids = append(ids, m.ProjectID.String())
		}
		if err := s.client.Select(ctx, "projects", backend.In("id", ids), &linked); err != nil {
			s.log.Error("fetch member projects", "err", err)
			return false
		}
	}

	merged := mergeProjects(owned, linked)
	s.mu.Lock()
	s.projects = merged
	path := s.snapshotPath
	s.mu.Unlock()
	if path != "" {
		if err := saveSnapshot(path, merged); err != nil {
			s.log.Warn("write snapshot", "err", err)
		}
	}
	s.notify()
	return true
}

// mergeProjects unions the two lists, dropping later duplicates by id.
func mergeProjects(owned, linked []model.Project) []model.Project {
	seen := make(map[uuid.UUID]struct{}, len(owned)+len(linked))
	out := make([]model.Project, 0, len(owned)+len(linked))
	for _, p := range append(append([]model.Project{}, owned...), linked...) {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

// CreateProject inserts a project owned by the current user, gives the
// creator an admin membership, and appends it locally. Returns nil on
// failure.
func (s *Store) CreateProject(ctx context.Context, name string, due *time.Time, password string) *model.Project {
	s.mu.Lock()
	u := s.user
	s.mu.Unlock()
	if u == nil {
		s.log.Error("create project: no user")
		return nil
	}

	row := map[string]any{"name": name, "owner_id": u.ID}
	if due != nil {
		row["due_date"] = due.Format(time.RFC3339)
	}
	if password != "" {
		row["password"] = password
	}

	var created []model.Project
	if err := s.client.Insert(ctx, "projects", row, &created); err != nil {
		s.log.Error("create project", "err", err)
		return nil
	}
	if len(created) == 0 {
		s.log.Error("create project: empty representation")
		return nil
	}
	p := created[0]

	member := map[string]any{"project_id": p.ID, "user_id": u.ID, "role": model.RoleAdmin}
	if err := s.client.Upsert(ctx, "project_members", member, "project_id,user_id"); err != nil {
		// Project exists remotely; keep it and let the next resync settle.
		s.log.Error("create admin membership", "err", err)
	}
	p.MemberCount = 1

	s.recent.mark(p.ID)
	s.mu.Lock()
	s.projects = append(s.projects, p)
	s.mu.Unlock()
	s.notify()
	return &p
}

// DeleteProject removes the project remotely, then filters it from the
// local list without a re-fetch.
func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) bool {
	if err := s.client.Delete(ctx, "projects", backend.Eq("id", id.String())); err != nil {
		s.log.Error("delete project", "err", err, "project", id)
		return false
	}
	s.recent.mark(id)
	s.removeLocal(id)
	return true
}

// JoinProject verifies the password when the project has one, upserts
// the membership (joining twice is success) and adds the project to the
// local list.
func (s *Store) JoinProject(ctx context.Context, id uuid.UUID, password string) bool {
	s.mu.Lock()
	u := s.user
	s.mu.Unlock()
	if u == nil {
		s.log.Error("join project: no user")
		return false
	}

	var rows []model.Project
	if err := s.client.Select(ctx, "projects", backend.Eq("id", id.String()), &rows); err != nil {
		s.log.Error("join: fetch project", "err", err, "project", id)
		return false
	}
	if len(rows) == 0 {
		s.log.Error("join: project not found", "project", id)
		return false
	}
	p := rows[0]

	if p.Protected() {
		var okRemote bool
		err := s.client.RPC(ctx, "verify_project_password",
			map[string]any{"p_project_id": id, "p_password": password}, &okRemote)
		if err != nil {
			s.log.Error("join: verify password", "err", err, "project", id)
			return false
		}
		if !okRemote {
			s.log.Warn("join: wrong password", "project", id)
			return false
		}
	}

	member := map[string]any{"project_id": id, "user_id": u.ID, "role": model.RoleMember}
	if err := s.client.Upsert(ctx, "project_members", member, "project_id,user_id"); err != nil {
		s.log.Error("join: membership", "err", err, "project", id)
		return false
	}

	s.recent.mark(id)
	s.mu.Lock()
	held := false
	for _, q := range s.projects {
		if q.ID == id {
			held = true
			break
		}
	}
	if !held {
		p.MemberCount++
		s.projects = append(s.projects, p)
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// LeaveProject deletes the membership and removes exactly that project
// from the local list.
func (s *Store) LeaveProject(ctx context.Context, id uuid.UUID) bool {
	s.mu.Lock()
	u := s.user
	s.mu.Unlock()
	if u == nil {
		s.log.Error("leave project: no user")
		return false
	}
	f := backend.Filters{
		"project_id": []string{"eq." + id.String()},
		"user_id":    []string{"eq." + u.ID.String()},
	}
	if err := s.client.Delete(ctx, "project_members", f); err != nil {
		s.log.Error("leave project", "err", err, "project", id)
		return false
	}
	s.recent.mark(id)
	s.removeLocal(id)
	return true
}

func (s *Store) removeLocal(id uuid.UUID) {
	s.mu.Lock()
	kept := s.projects[:0]
	for _, p := range s.projects {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	s.projects = kept
	s.mu.Unlock()
	s.notify()
}

// watch applies the change feed: deletes by local filtering, everything
// else by a full resync unless this store just wrote the row itself.
// Last write wins; an overlapping resync simply overwrites the
// optimistic copy.
func (s *Store) watch(ctx context.Context, sub *backend.Subscription) {
	for ev := range sub.Events() {
		switch ev.Type {
		case backend.EventDelete:
			if id, ok := eventProjectID(ev.Table, ev.Old); ok {
				if s.recent.seen(id) {
					continue
				}
				s.removeLocal(id)
			}
		case backend.EventInsert, backend.EventUpdate:
			if id, ok := eventProjectID(ev.Table, ev.New); ok && s.recent.seen(id) {
				continue
			}
			s.Resync(ctx)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// eventProjectID digs the project id out of a change row for either
// watched relation.
func eventProjectID(table string, row json.RawMessage) (uuid.UUID, bool) {
	if len(row) == 0 {
		return uuid.Nil, false
	}
	var fields struct {
		ID        uuid.UUID `json:"id"`
		ProjectID uuid.UUID `json:"project_id"`
	}
	if err := json.Unmarshal(row, &fields); err != nil {
		return uuid.Nil, false
	}
	if table == "project_members" {
		return fields.ProjectID, fields.ProjectID != uuid.Nil
	}
	return fields.ID, fields.ID != uuid.Nil
}

func (s *Store) notify() {
	s.mu.Lock()
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
