package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/internal/backend"
	"github.com/crewdeck/crewdeck/internal/model"
	"github.com/crewdeck/crewdeck/internal/session"
	"github.com/crewdeck/crewdeck/internal/store"
)

// Options tune output behavior from root flags.
type Options struct {
	Group bool // list grouped by owned/joined
}

// Env is the wiring the commands run against.
type Env struct {
	Client       *backend.Client
	Sessions     *session.Holder
	Store        *store.Store
	Log          *log.Logger
	SnapshotPath string
}

const cmdTimeout = 15 * time.Second

// ---------------------------------------------------
// CLI router
// ---------------------------------------------------

// Run dispatches subcommands and returns an exit code (0 ok, 1 error, 2 usage).
func Run(env Env, args []string, opt Options) int {
	if len(args) == 0 {
		PrintHelp()
		return 2
	}
	cmd, a := args[0], args[1:]

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	switch cmd {
	case "help", "-h", "--help":
		PrintHelp()
		return 0

	case "login":
		if len(a) != 2 {
			fail("usage: crewdeck login <email> <password>")
			return 2
		}
		return doLogin(ctx, env, a[0], a[1])

	case "logout":
		env.Sessions.SignOut(ctx)
		ok("logged out")
		return 0

	case "whoami":
		return doWhoami(ctx, env)

	case "ls":
		return doList(ctx, env, opt)

	case "create":
		if len(a) == 0 {
			fail("usage: crewdeck create <name...>")
			return 2
		}
		return doCreate(ctx, env, strings.Join(a, " "))

	case "join":
		if len(a) < 1 || len(a) > 2 {
			fail("usage: crewdeck join <project-id> [password]")
			return 2
		}
		password := ""
		if len(a) == 2 {
			password = a[1]
		}
		return withProjectID(a[0], func(id uuid.UUID) int {
			return doJoin(ctx, env, id, password)
		})

	case "leave":
		if len(a) != 1 {
			fail("usage: crewdeck leave <project-id>")
			return 2
		}
		return withProjectID(a[0], func(id uuid.UUID) int {
			return doLeave(ctx, env, id)
		})

	case "rm":
		if len(a) != 1 {
			fail("usage: crewdeck rm <project-id>")
			return 2
		}
		return withProjectID(a[0], func(id uuid.UUID) int {
			return doRemove(ctx, env, id)
		})

	case "roles":
		if len(a) != 1 {
			fail("usage: crewdeck roles <project-id>")
			return 2
		}
		return withProjectID(a[0], func(id uuid.UUID) int {
			return doRoles(ctx, env, id)
		})
	}

	fail("unknown subcommand: " + cmd)
	PrintHelp()
	return 2
}

func PrintHelp() {
	fmt.Printf(`crewdeck - collaborative projects from the terminal

Usage:
  crewdeck [flags] <subcommand> [args]
  crewdeck              (no args: interactive screen)

Subcommands:
  login <email> <password>   Sign in and remember the session
  logout                     Sign out and forget the session
  whoami                     Show the signed-in user
  ls                         List your projects (owned + joined)
  create <name...>           Create a project you own
  join <id> [password]       Join a project by id
  leave <id>                 Leave a project
  rm <id>                    Delete a project you own
  roles <id>                 List a project's roles

Flags:
  -group    group ls output by owned/joined
`)
}

func withProjectID(raw string, fn func(uuid.UUID) int) int {
	id, err := uuid.Parse(raw)
	if err != nil {
		fail("not a project id: " + raw)
		return 2
	}
	return fn(id)
}

// requireUser restores the session and hands back the user, or explains
// how to log in.
func requireUser(ctx context.Context, env Env) *session.User {
	env.Sessions.Restore(ctx)
	sess := env.Sessions.Current()
	if sess == nil {
		fail("not logged in, run `crewdeck login <email> <password>`")
		return nil
	}
	u := sess.User
	return &u
}

// -------------- subcommand impls ----------------

func doLogin(ctx context.Context, env Env, email, password string) int {
	if err := env.Sessions.SignIn(ctx, email, password); err != nil {
		fail("login: " + err.Error())
		return 1
	}
	ok("logged in as " + email)
	return 0
}

func doWhoami(ctx context.Context, env Env) int {
	u := requireUser(ctx, env)
	if u == nil {
		return 1
	}
	fmt.Println(titleStyle.Render(u.Email) + "  " + mutedStyle.Render(u.ID.String()))
	return 0
}

func doList(ctx context.Context, env Env, opt Options) int {
	u := requireUser(ctx, env)
	if u == nil {
		return 1
	}
	env.Store.SetUser(ctx, u)
	defer env.Store.Close()

	projects := env.Store.Projects()
	cached := false
	if len(projects) == 0 && !env.Store.Resync(ctx) {
		// Backend unreachable; show the last synced snapshot instead.
		snap, err := store.LoadSnapshot(env.SnapshotPath)
		if err != nil {
			fail("load snapshot: " + err.Error())
			return 1
		}
		projects, cached = snap, true
	} else {
		projects = env.Store.Projects()
	}

	header := fmt.Sprintf("%s  %s %d", titleStyle.Render("Projects"),
		accentStyle.Render("Total"), len(projects))
	if cached {
		header += "  " + mutedStyle.Render("(cached)")
	}
	lines := []string{header, ""}
	if opt.Group {
		lines = append(lines, groupLines(projects, u.ID)...)
	} else {
		lines = append(lines, projectLines(projects, u.ID)...)
	}
	panel(lines)
	return 0
}

func doCreate(ctx context.Context, env Env, name string) int {
	u := requireUser(ctx, env)
	if u == nil {
		return 1
	}
	name = strings.TrimSpace(name)
	if name == "" {
		fail("create: empty name")
		return 2
	}
	env.Store.SetUser(ctx, u)
	defer env.Store.Close()
	p := env.Store.CreateProject(ctx, name, nil, "")
	if p == nil {
		fail("create: backend refused, see log")
		return 1
	}
	ok("created " + p.Name + " " + mutedStyle.Render(p.ID.String()))
	return 0
}

func doJoin(ctx context.Context, env Env, id uuid.UUID, password string) int {
	u := requireUser(ctx, env)
	if u == nil {
		return 1
	}
	env.Store.SetUser(ctx, u)
	defer env.Store.Close()
	if !env.Store.JoinProject(ctx, id, password) {
		fail("join: could not join project, see log")
		return 1
	}
	ok("joined")
	return 0
}

func doLeave(ctx context.Context, env Env, id uuid.UUID) int {
	u := requireUser(ctx, env)
	if u == nil {
		return 1
	}
	env.Store.SetUser(ctx, u)
	defer env.Store.Close()
	if !env.Store.LeaveProject(ctx, id) {
		fail("leave: could not leave project, see log")
		return 1
	}
	ok("left")
	return 0
}

func doRemove(ctx context.Context, env Env, id uuid.UUID) int {
	u := requireUser(ctx, env)
	if u == nil {
		return 1
	}
	env.Store.SetUser(ctx, u)
	defer env.Store.Close()
	if !env.Store.DeleteProject(ctx, id) {
		fail("rm: could not delete project, see log")
		return 1
	}
	ok("deleted")
	return 0
}

func doRoles(ctx context.Context, env Env, id uuid.UUID) int {
	u := requireUser(ctx, env)
	if u == nil {
		return 1
	}
	roles := env.Store.RolesFor(ctx, id)
	if roles == nil {
		fail("roles: could not fetch, see log")
		return 1
	}
	lines := []string{titleStyle.Render("Roles") + "  " +
		accentStyle.Render("Total") + fmt.Sprintf(" %d", len(roles)), ""}
	if len(roles) == 0 {
		lines = append(lines, mutedStyle.Render("no roles yet"))
	}
	for _, r := range roles {
		line := "• " + r.Name
		if r.Deadline != nil {
			line += "  " + pendingStyle.Render("due "+r.Deadline.Format("2006-01-02"))
		}
		if r.Tasks != "" {
			line += "\n  " + mutedStyle.Render(r.Tasks)
		}
		lines = append(lines, line)
	}
	panel(lines)
	return 0
}

// -------------- rendering helpers --------------

func projectLines(projects []model.Project, self uuid.UUID) []string {
	if len(projects) == 0 {
		return []string{mutedStyle.Render("no projects yet, create one with `crewdeck create \"Spring tour\"`")}
	}
	out := make([]string, 0, len(projects))
	for _, p := range projects {
		glyph := " "
		if p.OwnerID == self {
			glyph = accentStyle.Render(ownerGlyph)
		}
		line := fmt.Sprintf("%s %s", glyph, p.Name)
		if p.Protected() {
			line += " " + lockGlyph
		}
		line += "  " + mutedStyle.Render(fmt.Sprintf("%d members", p.MemberCount))
		if p.DueDate != nil {
			line += "  " + pendingStyle.Render("due "+p.DueDate.Format("2006-01-02"))
		}
		line += "  " + mutedStyle.Render(p.ID.String())
		out = append(out, line)
	}
	return out
}

func groupLines(projects []model.Project, self uuid.UUID) []string {
	var owned, joined []model.Project
	for _, p := range projects {
		if p.OwnerID == self {
			owned = append(owned, p)
		} else {
			joined = append(joined, p)
		}
	}
	var lines []string
	lines = append(lines, accentStyle.Render("Owned"))
	if len(owned) == 0 {
		lines = append(lines, mutedStyle.Render("(none)"))
	} else {
		lines = append(lines, projectLines(owned, self)...)
	}
	lines = append(lines, "")
	lines = append(lines, accentStyle.Render("Joined"))
	if len(joined) == 0 {
		lines = append(lines, mutedStyle.Render("(none)"))
	} else {
		lines = append(lines, projectLines(joined, self)...)
	}
	return lines
}
