// Package tui is the interactive screen stack: login, project list and
// project detail. Screens read from the session holder and the data
// store and issue store operations from key handlers; every remote call
// runs inside a tea.Cmd so the render loop never blocks.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"

	"github.com/crewdeck/crewdeck/internal/session"
	"github.com/crewdeck/crewdeck/internal/store"
)

// Env is the wiring the screens run against.
type Env struct {
	Sessions *session.Holder
	Store    *store.Store
	Log      *log.Logger
}

type screen int

const (
	screenLogin screen = iota
	screenProjects
	screenDetail
)

// messages
type (
	sessionMsg      struct{ sess *session.Session }
	storeChangedMsg struct{}
	opDoneMsg       struct {
		action string
		ok     bool
	}
)

const opTimeout = 15 * time.Second

type appModel struct {
	env     Env
	screen  screen
	login   loginModel
	list    projectsModel
	detail  detailModel
	changes chan struct{}

	width, height int
}

// Run starts the screen stack and blocks until the user quits.
func Run(env Env) error {
	m := newApp(env)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	env.Store.Close()
	return err
}

func newApp(env Env) appModel {
	m := appModel{
		env:     env,
		screen:  screenLogin,
		login:   newLogin(env),
		list:    newProjects(env),
		detail:  newDetail(env),
		changes: make(chan struct{}, 1),
	}
	// Coalescing: one pending tick is enough, the list re-reads the
	// whole store snapshot anyway.
	env.Store.OnChange(func() {
		select {
		case m.changes <- struct{}{}:
		default:
		}
	})
	return m
}

func (m appModel) Init() tea.Cmd {
	return tea.Batch(m.restoreSession(), m.waitForChange())
}

// restoreSession brings a saved login back and hands the result to the
// root model.
func (m appModel) restoreSession() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		m.env.Sessions.Restore(ctx)
		return sessionMsg{sess: m.env.Sessions.Current()}
	}
}

func (m appModel) waitForChange() tea.Cmd {
	return func() tea.Msg {
		<-m.changes
		return storeChangedMsg{}
	}
}

// adoptSession points the store at the session's user. Runs as a Cmd
// because it resynchronizes against the backend. The store's own change
// notification feeds the waiting storeChangedMsg, so nothing is
// returned here.
func (m appModel) adoptSession(sess *session.Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if sess == nil {
			m.env.Store.SetUser(ctx, nil)
			return nil
		}
		u := sess.User
		m.env.Store.SetUser(ctx, &u)
		return nil
	}
}

func (m appModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.list.setSize(msg.Width, msg.Height)
		m.detail.setSize(msg.Width, msg.Height)
		return m, nil

	case sessionMsg:
		if msg.sess == nil {
			m.screen = screenLogin
			return m, m.login.focus()
		}
		m.screen = screenProjects
		m.list.self = msg.sess.User.ID
		return m, m.adoptSession(msg.sess)

	case storeChangedMsg:
		m.list.reload(m.env.Store.Projects())
		return m, m.waitForChange()

	case openDetailMsg:
		m.screen = screenDetail
		m.detail.open(msg.project)
		return m, m.detail.load()

	case closeDetailMsg:
		m.screen = screenProjects
		return m, nil

	case signedOutMsg:
		m.screen = screenLogin
		return m, m.login.focus()
	}

	switch m.screen {
	case screenLogin:
		var cmd tea.Cmd
		m.login, cmd = m.login.update(msg)
		return m, cmd
	case screenDetail:
		var cmd tea.Cmd
		m.detail, cmd = m.detail.update(msg)
		return m, cmd
	default:
		var cmd tea.Cmd
		m.list, cmd = m.list.update(msg)
		return m, cmd
	}
}

func (m appModel) View() string {
	switch m.screen {
	case screenLogin:
		return m.login.view(m.width, m.height)
	case screenDetail:
		return m.detail.view(m.width, m.height)
	default:
		return m.list.view(m.width, m.height)
	}
}
