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

// projectItem adapts a project row to bubbles/list.Item.
type projectItem struct {
	Project model.Project
	Owned   bool
}

func (i projectItem) line() string {
	glyph := "  "
	if i.Owned {
		glyph = ownerGlyph + " "
	}
	s := glyph + i.Project.Name
	if i.Project.Protected() {
		s += " " + lockGlyph
	}
	return s
}

// Implement list.Item interface
func (i projectItem) Title() string       { return i.line() }
func (i projectItem) Description() string { return "" }
func (i projectItem) FilterValue() string { return i.Project.Name }

// Custom delegate to control how items render (single line)
type projectDelegate struct{}

func (d projectDelegate) Height() int                               { return 1 }
func (d projectDelegate) Spacing() int                              { return 0 }
func (d projectDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }
func (d projectDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	it, _ := item.(projectItem)
	name := it.line()
	meta := fmt.Sprintf("%d members", it.Project.MemberCount)
	if it.Project.DueDate != nil {
		meta += " · due " + it.Project.DueDate.Format("2006-01-02")
	}

	line := name + "  " + mutedStyle.Render(meta)
	prefix := "  "
	if index == m.Index() {
		prefix = selectedStyle.Render("> ")
	}
	fmt.Fprintln(w, prefix+line)
}

// inline form states
type formKind int

const (
	formNone formKind = iota
	formCreate
	formJoin
)

// openDetailMsg/closeDetailMsg move between the list and detail screens.
type (
	openDetailMsg  struct{ project model.Project }
	closeDetailMsg struct{}
	signedOutMsg   struct{}
)

type projectsModel struct {
	env  Env
	self uuid.UUID
	list list.Model

	form    formKind
	step    int // field index inside the active form
	ti      textinput.Model
	draft   createDraft
	joinID  string
	formErr string

	status string // last operation result, the modal-alert analog
}

type createDraft struct {
	name     string
	due      string
	password string
}

func newProjects(env Env) projectsModel {
	l := list.New(nil, projectDelegate{}, 0, 0)
	l.Title = titleStyle.Render("Projects")
	l.SetShowHelp(true)
	l.SetShowPagination(true)
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = titleStyle
	l.Styles.HelpStyle = helpStyle
	l.Styles.PaginationStyle = helpStyle
	l.FilterInput.Prompt = "/ "
	l.SetStatusBarItemName("project", "projects")

	// Extend help with our bindings
	binds := []key.Binding{
		key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "open")),
		key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "create")),
		key.NewBinding(key.WithKeys("j"), key.WithHelp("j", "join")),
		key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "leave")),
		key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "delete")),
		key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		key.NewBinding(key.WithKeys("S"), key.WithHelp("S", "sign out")),
	}
	l.AdditionalShortHelpKeys = func() []key.Binding { return binds }
	l.AdditionalFullHelpKeys = func() []key.Binding { return binds }

	ti := textinput.New()
	ti.Prompt = "> "
	ti.CharLimit = 200

	return projectsModel{env: env, list: l, ti: ti}
}

func (m *projectsModel) setSize(w, h int) {
	m.list.SetSize(w-2, h-4)
}

// reload replaces the visible items with a fresh store snapshot.
func (m *projectsModel) reload(projects []model.Project) {
	items := make([]list.Item, 0, len(projects))
	for _, p := range projects {
		items = append(items, projectItem{Project: p, Owned: p.OwnerID == m.self})
	}
	m.list.SetItems(items)
	m.list.Title = fmt.Sprintf("%s  %s %d",
		titleStyle.Render("Projects"), accentStyle.Render("Total"), len(projects))
}

func (m projectsModel) selected() (model.Project, bool) {
	it, ok := m.list.SelectedItem().(projectItem)
	if !ok {
		return model.Project{}, false
	}
	return it.Project, true
}

func (m projectsModel) update(msg tea.Msg) (projectsModel, tea.Cmd) {
	if m.form != formNone {
		return m.updateForm(msg)
	}

	switch msg := msg.(type) {
	case opDoneMsg:
		if msg.ok {
			m.status = successStyle.Render("✔ " + msg.action)
		} else {
			m.status = errorStyle.Render("✖ " + msg.action + " failed")
		}
		return m, nil

	case tea.KeyMsg:
		// Don't steal keys while the list filter is typing.
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "q", "esc":
			return m, tea.Quit

		case "enter":
			if p, ok := m.selected(); ok {
				return m, func() tea.Msg { return openDetailMsg{project: p} }
			}
			return m, nil

		case "c":
			m.form, m.step = formCreate, 0
			m.draft = createDraft{}
			m.formErr = ""
			m.ti.SetValue("")
			m.ti.Placeholder = "Project name..."
			m.ti.EchoMode = textinput.EchoNormal
			m.ti.Focus()
			return m, textinput.Blink

		case "j":
			m.form, m.step = formJoin, 0
			m.joinID = ""
			m.formErr = ""
			m.ti.SetValue("")
			m.ti.Placeholder = "Project id..."
			m.ti.EchoMode = textinput.EchoNormal
			m.ti.Focus()
			return m, textinput.Blink

		case "l":
			if p, ok := m.selected(); ok {
				return m, m.leave(p.ID)
			}
			return m, nil

		case "x":
			if p, ok := m.selected(); ok {
				if p.OwnerID != m.self {
					m.status = errorStyle.Render("✖ only the owner can delete")
					return m, nil
				}
				return m, m.remove(p.ID)
			}
			return m, nil

		case "r":
			return m, m.refresh()

		case "S":
			return m, m.signOut()
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// updateForm drives the inline create/join field sequence.
func (m projectsModel) updateForm(msg tea.Msg) (projectsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			m.form = formNone
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

func (m projectsModel) advanceForm() (projectsModel, tea.Cmd) {
	val := strings.TrimSpace(m.ti.Value())

	switch m.form {
	case formCreate:
		switch m.step {
		case 0:
			if val == "" {
				m.formErr = "Name cannot be empty"
				return m, nil
			}
			m.draft.name = val
			m.step, m.formErr = 1, ""
			m.ti.SetValue("")
			m.ti.Placeholder = "Due date YYYY-MM-DD (optional)..."
			return m, nil
		case 1:
			if val != "" {
				if _, err := time.Parse("2006-01-02", val); err != nil {
					m.formErr = "Use YYYY-MM-DD or leave empty"
					return m, nil
				}
			}
			m.draft.due = val
			m.step, m.formErr = 2, ""
			m.ti.SetValue("")
			m.ti.Placeholder = "Password (optional)..."
			m.ti.EchoMode = textinput.EchoPassword
			m.ti.EchoCharacter = '•'
			return m, nil
		default:
			m.draft.password = val
			draft := m.draft
			m.form = formNone
			m.ti.Blur()
			m.ti.EchoMode = textinput.EchoNormal
			return m, m.create(draft)
		}

	case formJoin:
		switch m.step {
		case 0:
			if _, err := uuid.Parse(val); err != nil {
				m.formErr = "Not a project id"
				return m, nil
			}
			m.joinID = val
			m.step, m.formErr = 1, ""
			m.ti.SetValue("")
			m.ti.Placeholder = "Password (empty for open projects)..."
			m.ti.EchoMode = textinput.EchoPassword
			m.ti.EchoCharacter = '•'
			return m, nil
		default:
			id := uuid.MustParse(m.joinID)
			m.form = formNone
			m.ti.Blur()
			m.ti.EchoMode = textinput.EchoNormal
			return m, m.join(id, val)
		}
	}
	m.form = formNone
	return m, nil
}

// -------------- store calls (async) --------------

func (m projectsModel) create(d createDraft) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		var due *time.Time
		if d.due != "" {
			t, err := time.Parse("2006-01-02", d.due)
			if err == nil {
				due = &t
			}
		}
		p := m.env.Store.CreateProject(ctx, d.name, due, d.password)
		return opDoneMsg{action: "create", ok: p != nil}
	}
}

func (m projectsModel) join(id uuid.UUID, password string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opDoneMsg{action: "join", ok: m.env.Store.JoinProject(ctx, id, password)}
	}
}

func (m projectsModel) leave(id uuid.UUID) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opDoneMsg{action: "leave", ok: m.env.Store.LeaveProject(ctx, id)}
	}
}

func (m projectsModel) remove(id uuid.UUID) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opDoneMsg{action: "delete", ok: m.env.Store.DeleteProject(ctx, id)}
	}
}

func (m projectsModel) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opDoneMsg{action: "refresh", ok: m.env.Store.Resync(ctx)}
	}
}

func (m projectsModel) signOut() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		m.env.Sessions.SignOut(ctx)
		m.env.Store.SetUser(ctx, nil)
		return signedOutMsg{}
	}
}

func (m projectsModel) view(width, height int) string {
	content := m.list.View()
	if m.form != formNone {
		title := "Create project"
		if m.form == formJoin {
			title = "Join project"
		}
		content += "\n" + inputBar(title, m.formErr, m.ti.View())
	} else if m.status != "" {
		content += "\n" + m.status
	}
	return panelString(content)
}
