package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/session"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/timeline"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	systemStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("246"))
	noticeStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

const helpLine = "/handoff atendente · /up /down avaliar última resposta · /clear nova conversa · ctrl+c sair"

type (
	updateMsg timeline.Update
	stateMsg  session.State
	errMsg    struct{ err error }
	// busClosedMsg ends the update pump.
	busClosedMsg struct{}
)

type model struct {
	ctx      context.Context
	s        *session.Session
	updates  <-chan timeline.Update
	viewport viewport.Model
	input    textinput.Model
	renderer *glamour.TermRenderer
	rendered map[string]string
	state    session.State
	lastErr  error
	width    int
	ready    bool
}

func newModel(ctx context.Context, s *session.Session, updates <-chan timeline.Update) model {
	ti := textinput.New()
	ti.Placeholder = "Digite sua mensagem..."
	ti.Focus()
	ti.CharLimit = 2000
	return model{
		ctx:      ctx,
		s:        s,
		updates:  updates,
		viewport: viewport.New(80, 20),
		input:    ti,
		rendered: map[string]string{},
		width:    80,
	}
}

func waitForUpdate(ch <-chan timeline.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return busClosedMsg{}
		}
		return updateMsg(u)
	}
}

// refresh re-reads the session; updates are only a signal since the bus may
// reorder them.
func (m model) refresh() tea.Cmd {
	return func() tea.Msg {
		st, err := m.s.State(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return stateMsg(st)
	}
}

func (m model) run(fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(m.ctx); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		waitForUpdate(m.updates),
		m.run(m.s.InitConversation),
		m.refresh(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = ev.Width
		m.viewport.Width = ev.Width
		m.viewport.Height = max(ev.Height-4, 3)
		m.input.Width = ev.Width - 4
		m.renderer = nil
		m.rendered = map[string]string{}
		m.ready = true
		m.viewport.SetContent(m.render())
		return m, nil

	case tea.KeyMsg:
		switch ev.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if text == "" {
				return m, nil
			}
			m.lastErr = nil
			return m, m.command(text)
		}

	case updateMsg:
		return m, tea.Batch(m.refresh(), waitForUpdate(m.updates))

	case busClosedMsg:
		return m, nil

	case stateMsg:
		st := session.State(ev)
		if st.Version < m.state.Version && st.SessionID == m.state.SessionID {
			return m, nil
		}
		m.state = st
		m.viewport.SetContent(m.render())
		m.viewport.GotoBottom()
		return m, nil

	case errMsg:
		m.lastErr = ev.err
		log.Debug().Err(ev.err).Msg("session call returned an error")
		return m, m.refresh()
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m model) command(text string) tea.Cmd {
	switch strings.ToLower(text) {
	case "/clear":
		return m.run(m.s.Clear)
	case "/handoff":
		return m.run(func(ctx context.Context) error {
			_, err := m.s.RequestHandoff(ctx, "button")
			return err
		})
	case "/up", "/down":
		id := m.lastRateable()
		if id == "" {
			return func() tea.Msg { return errMsg{errors.New("nenhuma resposta para avaliar")} }
		}
		return m.run(func(ctx context.Context) error {
			return m.s.SendFeedback(ctx, id, strings.TrimPrefix(strings.ToLower(text), "/"))
		})
	case "/quit":
		return tea.Quit
	}
	return m.run(func(ctx context.Context) error { return m.s.SendMessage(ctx, text) })
}

func (m model) lastRateable() string {
	for i := len(m.state.Messages) - 1; i >= 0; i-- {
		msg := m.state.Messages[i]
		if msg.Role == timeline.RoleAssistant && !msg.Streaming {
			return msg.ID
		}
	}
	return ""
}

func (m *model) markdown(msg timeline.Message) string {
	key := msg.ID
	if cached, ok := m.rendered[key]; ok && !msg.Streaming {
		return cached
	}
	if msg.Streaming {
		return msg.Content + "▍"
	}
	if m.renderer == nil {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(max(m.width-4, 20)),
		)
		if err != nil {
			return msg.Content
		}
		m.renderer = r
	}
	out, err := m.renderer.Render(msg.Content)
	if err != nil {
		return msg.Content
	}
	out = strings.TrimSpace(out)
	m.rendered[key] = out
	return out
}

func (m *model) render() string {
	var b strings.Builder
	for _, msg := range m.state.Messages {
		ts := msg.CreatedAt.Format(time.Kitchen)
		switch {
		case msg.IsHandoffNotice:
			b.WriteString(noticeStyle.Render("» " + msg.Content))
		case msg.Role == timeline.RoleSystem:
			b.WriteString(systemStyle.Render("· " + msg.Content))
		case msg.Role == timeline.RoleUser:
			b.WriteString(userStyle.Render("Você "+ts) + "\n" + msg.Content)
		default:
			label := "Assistente"
			if _, ok := m.state.Mode.(session.HumanAssisted); ok {
				label = "Atendente"
			}
			b.WriteString(assistantStyle.Render(label+" "+ts) + "\n" + m.markdown(msg))
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

func modeLine(st session.State) string {
	switch md := st.Mode.(type) {
	case session.Transferring:
		s := "Transferindo para um atendente"
		if md.QueuePosition != nil {
			s += fmt.Sprintf(" · posição %d", *md.QueuePosition)
		}
		if md.ETAMinutes != nil {
			s += fmt.Sprintf(" · ~%d min", *md.ETAMinutes)
		}
		return s
	case session.HumanAssisted:
		return "Atendimento humano"
	case session.Closed:
		return "Conversa encerrada (" + md.Reason + ") · /clear para recomeçar"
	case session.AIAssisted:
		return "Assistente virtual"
	}
	return ""
}

func (m model) View() string {
	if !m.ready {
		return "carregando..."
	}
	header := headerStyle.Render("Suporte") + "  " + modeLine(m.state)
	if m.state.ReconnectPending {
		header += "  " + systemStyle.Render("reconectando...")
	}
	footer := m.input.View()
	if m.lastErr != nil {
		footer = errorStyle.Render(m.lastErr.Error()) + "\n" + footer
	} else {
		footer = systemStyle.Render(helpLine) + "\n" + footer
	}
	return header + "\n" + m.viewport.View() + "\n" + footer
}
