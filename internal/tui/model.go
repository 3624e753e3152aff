// Package tui is an interactive console viewer: streamed lines in a
// scrollable viewport with level coloring, follow mode, and a status bar.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/OliverMidbrink/cwb/internal/domain"
)

const maxLines = 2000

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	pausedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// lineMsg delivers one console line into the update loop.
type lineMsg domain.ConsoleLine

// errMsg delivers a stream error.
type errMsg error

// Model is the bubbletea model for the console viewer.
type Model struct {
	title  string
	source string

	lines <-chan domain.ConsoleLine
	errs  <-chan error

	vp      viewport.Model
	ready   bool
	follow  bool
	paused  bool
	content []string

	total     int
	errCount  int
	lastError string
}

// New creates a viewer fed by the given channels.
func New(title, source string, lines <-chan domain.ConsoleLine, errs <-chan error) Model {
	return Model{
		title:  title,
		source: source,
		lines:  lines,
		errs:   errs,
		follow: true,
	}
}

func (m Model) waitForLine() tea.Cmd {
	return func() tea.Msg {
		select {
		case line, ok := <-m.lines:
			if !ok {
				return errMsg(fmt.Errorf("stream closed"))
			}
			return lineMsg(line)
		case err, ok := <-m.errs:
			if !ok {
				return nil
			}
			return errMsg(err)
		}
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.waitForLine()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p", " ":
			m.paused = !m.paused
		case "f":
			m.follow = !m.follow
			if m.follow {
				m.vp.GotoBottom()
			}
		case "g":
			m.vp.GotoTop()
			m.follow = false
		case "G":
			m.vp.GotoBottom()
		}

	case tea.WindowSizeMsg:
		headerH := 1
		footerH := 1
		if !m.ready {
			m.vp = viewport.New(msg.Width, msg.Height-headerH-footerH)
			m.ready = true
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = msg.Height - headerH - footerH
		}
		m.vp.SetContent(strings.Join(m.content, "\n"))

	case lineMsg:
		line := domain.ConsoleLine(msg)
		m.total++
		if line.Level.Priority() >= domain.LogLevelError.Priority() {
			m.errCount++
		}
		if !m.paused {
			m.content = append(m.content, renderLine(line))
			if len(m.content) > maxLines {
				m.content = m.content[len(m.content)-maxLines:]
			}
			if m.ready {
				m.vp.SetContent(strings.Join(m.content, "\n"))
				if m.follow {
					m.vp.GotoBottom()
				}
			}
		}
		return m, m.waitForLine()

	case errMsg:
		if msg != nil {
			m.lastError = msg.Error()
		}
		return m, m.waitForLine()
	}

	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	header := titleStyle.Render(m.title)
	if m.source != "" {
		header += statusStyle.Render("  " + m.source)
	}
	if m.paused {
		header += "  " + pausedStyle.Render("PAUSED")
	}

	status := fmt.Sprintf("%d lines | %d errors | follow:%v | q quit, p pause, f follow, g/G jump", m.total, m.errCount, m.follow)
	if m.lastError != "" {
		status += " | " + errStyle.Render(m.lastError)
	}

	return header + "\n" + m.vp.View() + "\n" + statusStyle.Render(status)
}

func renderLine(line domain.ConsoleLine) string {
	ts := line.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	prefix := dimStyle.Render(ts.Format("15:04:05.000")) + fmt.Sprintf(" [%d]", line.TabID)

	level := string(line.Level)
	switch line.Level {
	case domain.LogLevelError, domain.LogLevelException:
		level = errStyle.Render(level)
	case domain.LogLevelWarn:
		level = warnStyle.Render(level)
	case domain.LogLevelInfo:
		level = infoStyle.Render(level)
	default:
		level = dimStyle.Render(level)
	}

	return fmt.Sprintf("%s %s %s", prefix, level, line.Text)
}
