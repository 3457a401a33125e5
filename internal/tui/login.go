package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// loginModel is the sign-in / sign-up screen: a small field stack,
// tab cycles, enter submits.
type loginModel struct {
	env    Env
	email  textinput.Model
	pass   textinput.Model
	name   textinput.Model // username, sign-up only
	signup bool
	field  int
	busy   bool
	errMsg string
}

type loginDoneMsg struct{ err error }

func newLogin(env Env) loginModel {
	email := textinput.New()
	email.Prompt = "> "
	email.Placeholder = "email"
	email.CharLimit = 120

	pass := textinput.New()
	pass.Prompt = "> "
	pass.Placeholder = "password"
	pass.CharLimit = 200
	pass.EchoMode = textinput.EchoPassword
	pass.EchoCharacter = '•'

	name := textinput.New()
	name.Prompt = "> "
	name.Placeholder = "username"
	name.CharLimit = 60

	return loginModel{env: env, email: email, pass: pass, name: name}
}

func (m *loginModel) focus() tea.Cmd {
	m.field = 0
	m.email.Focus()
	return textinput.Blink
}

func (m *loginModel) fields() []*textinput.Model {
	if m.signup {
		return []*textinput.Model{&m.email, &m.pass, &m.name}
	}
	return []*textinput.Model{&m.email, &m.pass}
}

func (m loginModel) update(msg tea.Msg) (loginModel, tea.Cmd) {
	switch msg := msg.(type) {
	case loginDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.errMsg = msg.err.Error()
			return m, nil
		}
		return m, func() tea.Msg {
			return sessionMsg{sess: m.env.Sessions.Current()}
		}

	case tea.KeyMsg:
		if m.busy {
			return m, nil
		}
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "tab", "shift+tab", "down", "up":
			fields := m.fields()
			fields[m.field].Blur()
			if msg.String() == "shift+tab" || msg.String() == "up" {
				m.field = (m.field + len(fields) - 1) % len(fields)
			} else {
				m.field = (m.field + 1) % len(fields)
			}
			fields[m.field].Focus()
			return m, textinput.Blink
		case "ctrl+s":
			m.signup = !m.signup
			m.errMsg = ""
			if m.field >= len(m.fields()) {
				m.field = 0
			}
			return m, nil
		case "enter":
			email := strings.TrimSpace(m.email.Value())
			pass := m.pass.Value()
			if email == "" || pass == "" {
				m.errMsg = "email and password are required"
				return m, nil
			}
			m.busy = true
			m.errMsg = ""
			return m, m.submit(email, pass, strings.TrimSpace(m.name.Value()))
		}
	}

	var cmd tea.Cmd
	fields := m.fields()
	*fields[m.field], cmd = fields[m.field].Update(msg)
	return m, cmd
}

func (m loginModel) submit(email, pass, username string) tea.Cmd {
	signup := m.signup
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		var err error
		if signup {
			err = m.env.Sessions.SignUp(ctx, email, pass, username)
		} else {
			err = m.env.Sessions.SignIn(ctx, email, pass)
		}
		return loginDoneMsg{err: err}
	}
}

func (m loginModel) view(width, height int) string {
	title := titleStyle.Render("crewdeck")
	mode := "Sign in"
	hint := "enter submit · tab next field · ctrl+s sign up · esc quit"
	if m.signup {
		mode = "Sign up"
		hint = "enter submit · tab next field · ctrl+s sign in · esc quit"
	}

	lines := []string{title + "  " + mutedStyle.Render(mode), ""}
	lines = append(lines, m.email.View(), m.pass.View())
	if m.signup {
		lines = append(lines, m.name.View())
	}
	if m.busy {
		lines = append(lines, "", pendingStyle.Render("signing in..."))
	}
	if m.errMsg != "" {
		lines = append(lines, "", errorStyle.Render(m.errMsg))
	}
	lines = append(lines, "", helpStyle.Render(hint))

	box := panelString(strings.Join(lines, "\n"))
	if width > 0 && height > 0 {
		return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, box)
	}
	return box
}
