// relay-console is a terminal dashboard for a running relay-server: a live
// feed of alert outcomes from /events and a periodically refreshed status
// panel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"signalrelay/pkg/relay"
)

// Styles.
var (
	headerStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	footerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	executedStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	suppressedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failedStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dryRunStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	symbolStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	sectionStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
)

const maxEvents = 500

// Messages.
type tickMsg time.Time

type statusMsg struct {
	st  *relay.Status
	err error
}

type eventMsg relay.Event

type connMsg struct {
	connected bool
	err       error
}

func tickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStatus(c *relay.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := c.Status(ctx)
		return statusMsg{st: st, err: err}
	}
}

// Model.
type model struct {
	client *relay.Client
	addr   string
	cancel context.CancelFunc

	status    *relay.Status
	statusErr error
	connected bool
	connErr   error
	events    []relay.Event

	viewport      viewport.Model
	ready         bool
	width, height int
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), fetchStatus(m.client))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.client)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 2
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.viewport.SetContent(m.renderContent())
		return m, nil

	case tickMsg:
		return m, tea.Batch(tickCmd(), fetchStatus(m.client))

	case statusMsg:
		m.statusErr = msg.err
		if msg.err == nil {
			m.status = msg.st
		}
		if m.ready {
			m.viewport.SetContent(m.renderContent())
		}
		return m, nil

	case connMsg:
		m.connected = msg.connected
		m.connErr = msg.err
		return m, nil

	case eventMsg:
		m.events = append(m.events, relay.Event(msg))
		if len(m.events) > maxEvents {
			m.events = m.events[len(m.events)-maxEvents:]
		}
		if m.ready {
			m.viewport.SetContent(m.renderContent())
		}
		// Outcomes change positions and the daily cap.
		return m, fetchStatus(m.client)
	}

	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}
	conn := "events: connected"
	if !m.connected {
		conn = "events: disconnected"
		if m.connErr != nil {
			conn += " (" + m.connErr.Error() + ")"
		}
	}
	header := fmt.Sprintf(" relay-console  %s    %s    %s ",
		m.addr, time.Now().Format("15:04:05"), conn)
	footer := footerStyle.Render(" q quit   r refresh   ↑/↓ scroll")
	return headerStyle.Render(padOrTrunc(header, m.width)) + "\n" + m.viewport.View() + "\n" + footer
}

func (m model) renderContent() string {
	var b strings.Builder

	b.WriteString(sectionStyle.Render(" STATUS "))
	b.WriteString("\n")
	switch {
	case m.statusErr != nil:
		b.WriteString(failedStyle.Render("status unavailable: " + m.statusErr.Error()))
		b.WriteString("\n")
	case m.status != nil:
		st := m.status
		mode := "live"
		if st.DryRun {
			mode = "dry run"
		}
		fmt.Fprintf(&b, "  %s (%s)  bias %s  session %s  trading %s  window %t  flatten %t\n",
			st.Broker, mode, st.Bias, st.Session, onOff(st.TradingEnabled), st.InTradingWindow, st.InFlattenWindow)
		traded := "(none)"
		if len(st.TradedToday) > 0 {
			traded = strings.Join(st.TradedToday, ", ")
		}
		fmt.Fprintf(&b, "  traded today: %s\n", traded)
		for _, e := range st.Errors {
			b.WriteString("  " + failedStyle.Render(e) + "\n")
		}
		if len(st.Positions) > 0 {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  %-10s %-6s %10s %12s", "SYMBOL", "SIDE", "QTY", "AVG")))
			b.WriteString("\n")
			for _, p := range st.Positions {
				fmt.Fprintf(&b, "  %s %-6s %10s %12s\n",
					symbolStyle.Render(fmt.Sprintf("%-10s", p.Symbol)), p.Side, p.Qty, p.AvgEntryPrice)
			}
		}
	}

	b.WriteString("\n")
	b.WriteString(sectionStyle.Render(fmt.Sprintf(" EVENTS (%d) ", len(m.events))))
	b.WriteString("\n")
	for i := len(m.events) - 1; i >= 0; i-- {
		b.WriteString(renderEvent(m.events[i]))
		b.WriteString("\n")
	}
	return b.String()
}

func renderEvent(ev relay.Event) string {
	at := dimStyle.Render(ev.At.Local().Format("15:04:05"))
	if ev.Type == "flatten" {
		return fmt.Sprintf("  %s %s %s", at, failedStyle.Render("FLATTEN"), string(ev.Data))
	}
	out, err := ev.Outcome()
	if err != nil {
		return fmt.Sprintf("  %s %s %s", at, ev.Type, string(ev.Data))
	}
	status := out.Status
	switch out.Status {
	case "executed":
		status = executedStyle.Render(status)
	case "suppressed":
		status = suppressedStyle.Render(status)
	case "failed":
		status = failedStyle.Render(status)
	case "dry_run":
		status = dryRunStyle.Render(status)
	}
	detail := out.Message
	if out.Reason != "" {
		detail = out.Reason + ": " + detail
	}
	return fmt.Sprintf("  %s %s %-6s %-12s %s", at, symbolStyle.Render(fmt.Sprintf("%-8s", out.Symbol)),
		out.Action, status, detail)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func padOrTrunc(s string, w int) string {
	n := lipgloss.Width(s)
	if n >= w {
		return s
	}
	return s + strings.Repeat(" ", w-n)
}

// streamEvents forwards /events into the program, reconnecting with a
// capped backoff until ctx is done.
func streamEvents(ctx context.Context, c *relay.Client, p *tea.Program, logger *slog.Logger) {
	backoff := time.Second
	for ctx.Err() == nil {
		p.Send(connMsg{connected: true})
		err := c.Events(ctx, func(ev relay.Event) {
			backoff = time.Second
			p.Send(eventMsg(ev))
		})
		if ctx.Err() != nil {
			return
		}
		logger.Warn("event stream dropped", "error", err, "retry_in", backoff)
		p.Send(connMsg{connected: false, err: err})
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "relay-server base URL")
	flag.Parse()
	if a := os.Getenv("RELAY_ADDR"); a != "" && !isFlagSet("addr") {
		*addr = a
	}

	logPath := fmt.Sprintf("%s/relay-console-%s.log", os.TempDir(), time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := relay.NewClient(*addr)
	m := model{client: client, addr: *addr, cancel: cancel}
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())

	go streamEvents(ctx, client, p, logger)

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay-console: %v\n", err)
		os.Exit(1)
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
