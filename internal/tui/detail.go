package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/internal/model"
)

// roleItem adapts a role row to bubbles/list.Item.
type roleItem struct{ Role model.Role }

func (i roleItem) line() string {
	s := i.Role.Name
	if i.Role.Deadline != nil {
		s += "  " + pendingStyle.Render("due "+i.Role.Deadline.Format("2006-01-02"))
	}
	return s
}

func (i roleItem) Title() string       { return i.line() }
func (i roleItem) Description() string { return "" }
func (i roleItem) FilterValue() string { return i.Role.Name }

type roleDelegate struct{}

func (d roleDelegate) Height() int                               { return 1 }
func (d roleDelegate) Spacing() int                              { return 0 }
func (d roleDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }
func (d roleDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	it, _ := item.(roleItem)
	line := it.line()
	if it.Role.Tasks != "" {
		line += "  " + mutedStyle.Render(truncate(it.Role.Tasks, 48))
	}
	prefix := "  "
	if index == m.Index() {
		prefix = selectedStyle.Render("> ")
	}
	fmt.Fprintln(w, prefix+line)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

type detailLoadedMsg struct {
	roles   []model.Role
	members []model.Member
}

// roleDraft walks the add/edit field sequence.
type roleDraft struct {
	editing  bool
	roleID   uuid.UUID
	name     string
	deadline string
	tasks    string
}

type detailModel struct {
	env     Env
	project model.Project
	roles   list.Model
	members []model.Member

	forming bool
	step    int
	ti      textinput.Model
	draft   roleDraft
	formErr string

	status string
}

func newDetail(env Env) detailModel {
	l := list.New(nil, roleDelegate{}, 0, 0)
	l.SetShowHelp(true)
	l.SetShowPagination(true)
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(false)
	l.Styles.Title = titleStyle
	l.Styles.HelpStyle = helpStyle
	l.Styles.PaginationStyle = helpStyle
	l.SetStatusBarItemName("role", "roles")

	binds := []key.Binding{
		key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "add role")),
		key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "edit role")),
		key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "delete role")),
		key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	}
	l.AdditionalShortHelpKeys = func() []key.Binding { return binds }
	l.AdditionalFullHelpKeys = func() []key.Binding { return binds }

	ti := textinput.New()
	ti.Prompt = "> "
	ti.CharLimit = 300

	return detailModel{env: env, roles: l, ti: ti}
}

func (m *detailModel) setSize(w, h int) {
	m.roles.SetSize(w-2, h-8)
}

func (m *detailModel) open(p model.Project) {
	m.project = p
	m.members = nil
	m.roles.SetItems(nil)
	m.roles.Title = titleStyle.Render(p.Name)
	m.status = ""
	m.forming = false
}

// load fetches roles and members off the render loop.
func (m detailModel) load() tea.Cmd {
	projectID := m.project.ID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return detailLoadedMsg{
			roles:   m.env.Store.RolesFor(ctx, projectID),
			members: m.env.Store.MembersFor(ctx, projectID),
		}
	}
}

func (m detailModel) update(msg tea.Msg) (detailModel, tea.Cmd) {
	if m.forming {
		return m.updateForm(msg)
	}

	switch msg := msg.(type) {
	case detailLoadedMsg:
		items := make([]list.Item, 0, len(msg.roles))
		for _, r := range msg.roles {
			items = append(items, roleItem{Role: r})
		}
		m.roles.SetItems(items)
		m.members = msg.members
		return m, nil

	case opDoneMsg:
		if msg.ok {
			m.status = successStyle.Render("✔ " + msg.action)
			return m, m.load()
		}
		m.status = errorStyle.Render("✖ " + msg.action + " failed")
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "esc":
			return m, func() tea.Msg { return closeDetailMsg{} }
		case "a":
			m.startForm(roleDraft{})
			return m, textinput.Blink
		case "e":
			if it, ok := m.roles.SelectedItem().(roleItem); ok {
				d := roleDraft{editing: true, roleID: it.Role.ID}
				m.startForm(d)
				m.ti.SetValue(it.Role.Name)
				m.ti.CursorEnd()
				return m, textinput.Blink
			}
			return m, nil
		case "d":
			if it, ok := m.roles.SelectedItem().(roleItem); ok {
				return m, m.removeRole(it.Role.ID)
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.roles, cmd = m.roles.Update(msg)
	return m, cmd
}

func (m *detailModel) startForm(d roleDraft) {
	m.forming = true
	m.step = 0
	m.draft = d
	m.formErr = ""
	m.ti.SetValue("")
	m.ti.Placeholder = "Role name..."
	m.ti.Focus()
}

func (m detailModel) updateForm(msg tea.Msg) (detailModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			m.forming = false
			m.ti.Blur()
			return m, nil
		case "enter":
			return m.advanceForm()
		}
	}
	var cmd tea.Cmd
	m.ti, cmd = m.ti.Update(msg)
	return m, cmd
}

func (m detailModel) advanceForm() (detailModel, tea.Cmd) {
	val := strings.TrimSpace(m.ti.Value())
	switch m.step {
	case 0:
		if val == "" {
			m.formErr = "Name cannot be empty"
			return m, nil
		}
		m.draft.name = val
		m.step, m.formErr = 1, ""
		m.ti.SetValue("")
		m.ti.Placeholder = "Deadline YYYY-MM-DD (optional)..."
		return m, nil
	case 1:
		if val != "" {
			if _, err := time.Parse("2006-01-02", val); err != nil {
				m.formErr = "Use YYYY-MM-DD or leave empty"
				return m, nil
			}
		}
		m.draft.deadline = val
		m.step, m.formErr = 2, ""
		m.ti.SetValue("")
		m.ti.Placeholder = "Tasks (free text, optional)..."
		return m, nil
	default:
		m.draft.tasks = val
		draft := m.draft
		m.forming = false
		m.ti.Blur()
		return m, m.saveRole(draft)
	}
}

func (m detailModel) saveRole(d roleDraft) tea.Cmd {
	projectID := m.project.ID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		var deadline *time.Time
		if d.deadline != "" {
			if t, err := time.Parse("2006-01-02", d.deadline); err == nil {
				deadline = &t
			}
		}
		if d.editing {
			return opDoneMsg{action: "update role",
				ok: m.env.Store.UpdateRole(ctx, d.roleID, d.name, deadline, d.tasks)}
		}
		r := m.env.Store.AddRole(ctx, projectID, d.name, deadline, d.tasks)
		return opDoneMsg{action: "add role", ok: r != nil}
	}
}

func (m detailModel) removeRole(id uuid.UUID) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opDoneMsg{action: "delete role", ok: m.env.Store.RemoveRole(ctx, id)}
	}
}

func (m detailModel) view(width, height int) string {
	header := titleStyle.Render(m.project.Name)
	if m.project.Protected() {
		header += " " + lockGlyph
	}
	if m.project.DueDate != nil {
		header += "  " + pendingStyle.Render("due "+m.project.DueDate.Format("2006-01-02"))
	}

	var names []string
	for _, mem := range m.members {
		n := mem.Username
		if n == "" {
			n = mem.UserID.String()[:8]
		}
		if mem.Role == model.RoleAdmin {
			n += mutedStyle.Render(" (admin)")
		}
		names = append(names, n)
	}
	membersLine := accentStyle.Render("Members") + " " +
		mutedStyle.Render(fmt.Sprintf("%d", len(m.members)))
	if len(names) > 0 {
		membersLine += "  " + strings.Join(names, ", ")
	}

	content := header + "\n" + membersLine + "\n\n" + m.roles.View()
	if m.forming {
		title := "Add role"
		if m.draft.editing {
			title = "Edit role"
		}
		content += "\n" + inputBar(title, m.formErr, m.ti.View())
	} else if m.status != "" {
		content += "\n" + m.status
	}
	return panelString(content)
}
