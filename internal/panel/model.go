package panel

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ent0n29/voicebridge/internal/client"
	"github.com/ent0n29/voicebridge/internal/protocol"
)

// Controller is the part of client.Session the panel drives.
type Controller interface {
	Updates() <-chan client.Update
	Stop()
}

type lineKind int

const (
	lineUser lineKind = iota
	lineAgent
	lineTask
)

type line struct {
	kind lineKind
	text string
	at   time.Time
}

type phase int

const (
	phaseConnecting phase = iota
	phaseLive
	phaseClosed
)

// Model renders one voice session: transcript, task submissions, task
// status and errors. q stops the session and quits.
type Model struct {
	ctl       Controller
	projectID string
	sessionID string
	phase     phase
	stopping  bool

	lines         []line
	agentSpeaking bool
	bargeIns      int

	status    protocol.StatusUpdate
	hasStatus bool

	errorMessage   string
	errorTransient bool

	width  int
	height int
}

func New(ctl Controller, projectID string) Model {
	return Model{ctl: ctl, projectID: projectID}
}

func (m Model) Init() tea.Cmd {
	return waitForUpdate(m.ctl.Updates())
}

func waitForUpdate(updates <-chan client.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return ClosedMsg{}
		}
		return UpdateMsg{Update: u}
	}
}

func stopCmd(ctl Controller) tea.Cmd {
	return func() tea.Msg {
		ctl.Stop()
		return StoppedMsg{}
	}
}

func clearErrorCmd() tea.Cmd {
	return tea.Tick(8*time.Second, func(time.Time) tea.Msg {
		return ClearErrorMsg{}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "Q", "ctrl+c":
			if m.stopping {
				return m, nil
			}
			m.stopping = true
			return m, stopCmd(m.ctl)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case UpdateMsg:
		cmd := m.apply(msg.Update)
		return m, tea.Batch(cmd, waitForUpdate(m.ctl.Updates()))

	case ClosedMsg:
		m.phase = phaseClosed
		m.agentSpeaking = false
		if m.stopping {
			return m, tea.Quit
		}
		return m, nil

	case StoppedMsg:
		m.phase = phaseClosed
		return m, tea.Quit

	case ClearErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) apply(u client.Update) tea.Cmd {
	switch u.Kind {
	case client.UpdateReady:
		m.phase = phaseLive
		m.sessionID = u.SessionID

	case client.UpdateUserTranscript:
		m.lines = append(m.lines, line{kind: lineUser, text: u.Text, at: time.Now()})

	case client.UpdateAgentTranscript:
		m.lines = append(m.lines, line{kind: lineAgent, text: u.Text, at: time.Now()})

	case client.UpdateTaskSubmitted:
		m.lines = append(m.lines, line{kind: lineTask, text: u.Text, at: time.Now()})

	case client.UpdateAgentSpeaking:
		m.agentSpeaking = true

	case client.UpdateBargeIn:
		m.agentSpeaking = false
		m.bargeIns++

	case client.UpdateStatus:
		m.status = u.Status
		m.hasStatus = true

	case client.UpdateError:
		m.errorMessage = fmt.Sprintf("%s (%s): %s", u.Error.Code, u.Error.Source, u.Error.Detail)
		if u.Error.Retryable {
			m.errorTransient = true
			return clearErrorCmd()
		}
		m.errorTransient = false

	case client.UpdateClosed:
		m.phase = phaseClosed
		if u.Err != nil {
			m.errorMessage = "connection lost: " + u.Err.Error()
			m.errorTransient = false
		}
	}
	return nil
}

func (m Model) visibleLines() int {
	if m.height == 0 {
		return 20
	}
	// header, status, two dividers, error, footer
	return max(3, m.height-6)
}

func (m Model) View() string {
	width := m.width
	if width == 0 {
		width = 80
	}
	divider := dividerStyle.Render(strings.Repeat("─", width))

	sections := []string{
		m.renderHeader(),
		m.renderStatusBar(),
		divider,
		m.renderTranscript(),
		divider,
	}
	if m.errorMessage != "" {
		sections = append(sections, errorStyle.Render("✕ "+m.errorMessage))
	}
	sections = append(sections, m.renderFooter())
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	header := titleStyle.Render("VOICEBRIDGE")
	if m.projectID != "" {
		header += dimStyle.Render(" · project " + m.projectID)
	}
	if m.sessionID != "" {
		header += dimStyle.Render(" · " + m.sessionID)
	}
	return header
}

func (m Model) renderStatusBar() string {
	var dot string
	switch m.phase {
	case phaseLive:
		dot = liveDotStyle.Render("● LIVE")
	case phaseClosed:
		dot = closedDotStyle.Render("■ CLOSED")
	default:
		dot = idleDotStyle.Render("○ CONNECTING")
	}
	if m.agentSpeaking {
		dot += "  " + speakingStyle.Render("♪ agent speaking")
	}
	if m.bargeIns > 0 {
		dot += "  " + dimStyle.Render(fmt.Sprintf("interrupted %dx", m.bargeIns))
	}
	if m.hasStatus {
		st := m.status
		dot += "  " + dimStyle.Render(fmt.Sprintf("tasks %d/%d done, %d running, %d failed",
			st.Completed, st.Total, st.Running, st.Failed))
		if st.CurrentTask != "" {
			dot += dimStyle.Render(" · " + st.CurrentTask)
		}
	}
	return dot
}

func (m Model) renderTranscript() string {
	if len(m.lines) == 0 {
		if m.phase == phaseLive {
			return dimStyle.Render("Listening...")
		}
		return dimStyle.Render("No conversation yet.")
	}
	lines := m.lines
	if n := m.visibleLines(); len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		stamp := dimStyle.Render(l.at.Format("15:04:05"))
		switch l.kind {
		case lineUser:
			out = append(out, stamp+" "+userLabelStyle.Render("You")+"   "+l.text)
		case lineAgent:
			out = append(out, stamp+" "+agentLabelStyle.Render("Agent")+" "+l.text)
		case lineTask:
			out = append(out, stamp+" "+taskStyle.Render("▸ task submitted: "+l.text))
		}
	}
	return strings.Join(out, "\n")
}

func (m Model) renderFooter() string {
	if m.stopping {
		return dimStyle.Render("stopping...")
	}
	return footerKeyStyle.Render("q") + dimStyle.Render(" stop session")
}
