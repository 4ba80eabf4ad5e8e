package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lumi/session"
	"lumi/transport"
)

type tickMsg time.Time

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// Pre-built styles, shared across renders.
var (
	styleListening = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleProcess   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	styleSpeaking  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	styleStandby   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleDim       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleFaint     = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	styleFaintBold = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	styleUser      = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	stylePartial   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	styleReply     = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	styleEmotion   = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
	styleError     = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	styleBeacon    = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	styleMeterOn   = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	styleMeterHot  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type tuiModel struct {
	snap       session.Snapshot
	beaconOn   bool
	silent     bool
	frame      int
	phaseSince time.Time
	width      int
	height     int

	serverLine string
	deviceLine string
	actions    chan<- Action
}

func NewTUIProgram(actions chan<- Action, serverLine, deviceLine string) *tea.Program {
	m := tuiModel{
		actions:    actions,
		serverLine: serverLine,
		deviceLine: deviceLine,
		phaseSince: time.Now(),
	}
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) act(a Action) {
	select {
	case m.actions <- a:
	default:
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.act(ActionQuit)
			return m, tea.Quit
		case " ":
			m.act(ActionToggleListen)
		case "i":
			m.act(ActionInterrupt)
		case "r":
			m.act(ActionRetryOrClear)
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case SnapshotMsg:
		if msg.Snap.Phase != m.snap.Phase {
			m.phaseSince = time.Now()
		}
		m.snap = msg.Snap

	case BeaconMsg:
		m.silent = msg.Silent
		m.beaconOn = msg.Blink
	}
	return m, nil
}

const statusWidth = 30

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	status := m.renderStatus()

	chatWidth := m.width - statusWidth - 1
	if chatWidth < 20 {
		chatWidth = 20
	}
	chat := m.renderChat(chatWidth - 2)

	statusPanel := lipgloss.NewStyle().
		Width(statusWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(status)
	chatPanel := lipgloss.NewStyle().
		Width(chatWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(chat)

	return lipgloss.JoinHorizontal(lipgloss.Top, statusPanel, chatPanel)
}

func (m tuiModel) renderStatus() string {
	var lines []string
	lines = append(lines, "")

	elapsed := time.Since(m.phaseSince).Seconds()
	switch m.snap.Phase {
	case session.PhaseListening:
		lines = append(lines, styleListening.Render(fmt.Sprintf("● LISTENING %.1fs", elapsed)))
		lines = append(lines, m.renderMeter())
	case session.PhaseProcessing:
		spin := spinnerFrames[m.frame%len(spinnerFrames)]
		lines = append(lines, styleProcess.Render(spin+" THINKING"))
	case session.PhaseSpeaking:
		lines = append(lines, styleSpeaking.Render("▶ SPEAKING"))
	default:
		lines = append(lines, styleStandby.Render("○ STANDBY"))
	}

	lines = append(lines, "")
	lines = append(lines, styleDim.Render(connLabel(m.snap.Conn)))
	if m.serverLine != "" {
		lines = append(lines, styleDim.Render(m.serverLine))
	}
	if m.deviceLine != "" {
		lines = append(lines, styleDim.Render(m.deviceLine))
	}
	if m.snap.Emotion != "" {
		lines = append(lines, styleEmotion.Render("mood: "+m.snap.Emotion))
	}

	if m.snap.Err != nil {
		lines = append(lines, "")
		for _, l := range wrapText("⚠ "+m.snap.Err.Message, statusWidth-3) {
			lines = append(lines, styleError.Render(l))
		}
		if m.snap.Err.Retryable {
			lines = append(lines, styleFaint.Render("press r to retry"))
		} else {
			lines = append(lines, styleFaint.Render("press r to dismiss"))
		}
	}

	if m.silent && m.snap.Phase == session.PhaseIdle {
		lines = append(lines, "")
		if m.beaconOn {
			lines = append(lines, styleBeacon.Render("✳ say something?"))
		} else {
			lines = append(lines, styleFaint.Render("  say something?"))
		}
	}

	lines = append(lines, "")
	lines = append(lines, styleFaintBold.Render("space")+styleFaint.Render(" talk/stop  ")+
		styleFaintBold.Render("i")+styleFaint.Render(" interrupt"))
	lines = append(lines, styleFaintBold.Render("r")+styleFaint.Render(" retry  ")+
		styleFaintBold.Render("q")+styleFaint.Render(" quit"))
	lines = append(lines, styleFaint.Render("lumi "+version))

	return strings.Join(lines, "\n")
}

func (m tuiModel) renderMeter() string {
	const cells = 20
	filled := int(m.snap.Level * 3 * cells)
	if filled > cells {
		filled = cells
	}
	var b strings.Builder
	for i := 0; i < cells; i++ {
		switch {
		case i >= filled:
			b.WriteString(styleFaint.Render("·"))
		case i >= cells*3/4:
			b.WriteString(styleMeterHot.Render("█"))
		default:
			b.WriteString(styleMeterOn.Render("█"))
		}
	}
	return b.String()
}

func (m tuiModel) renderChat(width int) string {
	var b strings.Builder
	b.WriteString("\n")

	if m.snap.CommittedText != "" {
		b.WriteString(styleDim.Render("you") + "\n")
		for _, l := range wrapText(m.snap.CommittedText, width) {
			b.WriteString(styleUser.Render(l) + "\n")
		}
		b.WriteString("\n")
	}
	if m.snap.PartialText != "" {
		for _, l := range wrapText(m.snap.PartialText+"…", width) {
			b.WriteString(stylePartial.Render(l) + "\n")
		}
		b.WriteString("\n")
	}
	if m.snap.ReplyText != "" {
		b.WriteString(styleDim.Render("assistant") + "\n")
		for _, l := range wrapText(m.snap.ReplyText, width) {
			b.WriteString(styleReply.Render(l) + "\n")
		}
	}
	if m.snap.CommittedText == "" && m.snap.PartialText == "" && m.snap.ReplyText == "" {
		b.WriteString(styleDim.Render("Press space and speak."))
	}
	return b.String()
}

func connLabel(s transport.State) string {
	switch s {
	case transport.StateConnected:
		return "link: connected"
	case transport.StateConnecting:
		return "link: connecting…"
	case transport.StateError:
		return "link: error"
	default:
		return "link: offline"
	}
}

// wrapText splits text into lines of at most width runes, breaking on
// spaces where possible.
func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	runes := []rune(text)
	var lines []string
	for len(runes) > width {
		splitAt := width
		for i := width; i > 0; i-- {
			if runes[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, string(runes[:splitAt]))
		runes = runes[splitAt:]
		for len(runes) > 0 && runes[0] == ' ' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		lines = append(lines, string(runes))
	}
	return lines
}
