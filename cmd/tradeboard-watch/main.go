package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tradeboard/internal/app"
	"tradeboard/internal/config"
	"tradeboard/internal/domain"
	"tradeboard/internal/subscription"
	"tradeboard/internal/util"
)

const (
	defaultInterval = 30 * time.Second
	maxValueWidth   = 60
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	footerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	colHeadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("236"))
	freshStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	staleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "fresh":
		return freshStyle
	case "stale", "loading":
		return staleStyle
	case "error":
		return errorStyle
	default:
		return dimStyle
	}
}

// widget is one watched feed parsed from the command line.
type widget struct {
	id       string
	key      domain.Key
	interval time.Duration
}

// parseWidget parses "feedType[:dataSource][@interval]".
func parseWidget(n int, arg string) (widget, error) {
	feed, every, hasInterval := strings.Cut(arg, "@")
	interval := defaultInterval
	if hasInterval {
		d, err := time.ParseDuration(every)
		if err != nil || d <= 0 {
			return widget{}, fmt.Errorf("%q: bad interval %q", arg, every)
		}
		interval = d
	}
	feedType, dataSource, _ := strings.Cut(feed, ":")
	if feedType == "" {
		return widget{}, fmt.Errorf("%q: missing feed type", arg)
	}
	return widget{
		id:       fmt.Sprintf("w%d", n+1),
		key:      domain.NewKey(feedType, dataSource),
		interval: interval,
	}, nil
}

// board holds the latest update per widget. Manager callbacks write it; the
// UI reads it on every tick.
type board struct {
	mu        sync.Mutex
	latest    map[string]domain.Update
	lastErr   map[string]string
	status    domain.ConnectionStatus
	simulated bool
}

func newBoard() *board {
	return &board{
		latest:  make(map[string]domain.Update),
		lastErr: make(map[string]string),
		status:  domain.StatusDisconnected,
	}
}

func (b *board) callbacks() subscription.Callbacks {
	return subscription.Callbacks{
		OnDataUpdate: func(id string, u domain.Update) {
			b.mu.Lock()
			defer b.mu.Unlock()
			// Keep showing the last value while a refresh is loading.
			if prev, ok := b.latest[id]; ok && u.IsLoading && u.Data == nil {
				prev.IsLoading = true
				u = prev
			}
			b.latest[id] = u
		},
		OnError: func(id, msg string) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.lastErr[id] = msg
		},
		OnConnectionChange: func(s domain.ConnectionStatus, simulated bool) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.status = s
			b.simulated = simulated
		},
	}
}

// row is one rendered table line.
type row struct {
	id, feed, state, age, value string
}

func (b *board) rows(widgets []widget, paused map[string]bool, now time.Time) []row {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]row, 0, len(widgets))
	for _, w := range widgets {
		r := row{id: w.id, feed: w.key.String(), state: "pending", age: "-"}
		if u, ok := b.latest[w.id]; ok {
			switch {
			case u.IsLoading:
				r.state = "loading"
			case u.Error != "":
				r.state = "error"
			case u.Stale:
				r.state = "stale"
			default:
				r.state = "fresh"
			}
			if u.LastFetchedAt != nil {
				r.age = now.Sub(*u.LastFetchedAt).Truncate(time.Second).String()
			}
			r.value = string(u.Data)
		}
		if r.value == "" {
			r.value = b.lastErr[w.id]
		}
		if paused[w.id] {
			r.state = "paused"
		}
		if len(r.value) > maxValueWidth {
			r.value = r.value[:maxValueWidth-3] + "..."
		}
		out = append(out, r)
	}
	return out
}

func (b *board) connection() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := string(b.status)
	if b.simulated {
		s += " (simulated)"
	}
	return s
}

// controller is the part of the manager the keys drive.
type controller interface {
	Pause(widgetID string) bool
	Resume(widgetID string) bool
	Refresh(widgetID string) bool
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	widgets  []widget
	board    *board
	ctl      controller
	paused   map[string]bool
	selected int
	now      time.Time

	viewport viewport.Model
	ready    bool
	width    int
	height   int
}

func newModel(widgets []widget, b *board, ctl controller) model {
	return model{
		widgets: widgets,
		board:   b,
		ctl:     ctl,
		paused:  make(map[string]bool),
		now:     time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.widgets)-1 {
				m.selected++
			}
		case "r":
			if w, ok := m.current(); ok {
				m.ctl.Refresh(w.id)
			}
		case "R":
			for _, w := range m.widgets {
				if !m.paused[w.id] {
					m.ctl.Refresh(w.id)
				}
			}
		case "p":
			if w, ok := m.current(); ok {
				if m.paused[w.id] {
					if m.ctl.Resume(w.id) {
						delete(m.paused, w.id)
					}
				} else if m.ctl.Pause(w.id) {
					m.paused[w.id] = true
				}
			}
		default:
			return m, nil
		}
		m.refresh()
		return m, nil

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
		m.refresh()
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		m.refresh()
		return m, tickCmd()
	}

	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m model) current() (widget, bool) {
	if m.selected < 0 || m.selected >= len(m.widgets) {
		return widget{}, false
	}
	return m.widgets[m.selected], true
}

func (m *model) refresh() {
	if m.ready {
		m.viewport.SetContent(m.renderContent())
	}
}

func (m model) renderContent() string {
	rows := m.board.rows(m.widgets, m.paused, m.now)

	idW, feedW := len("WIDGET"), len("FEED")
	for _, r := range rows {
		idW = max(idW, len(r.id))
		feedW = max(feedW, len(r.feed))
	}

	var b strings.Builder
	b.WriteString(colHeadStyle.Render(fmt.Sprintf(" %-*s  %-*s  %-8s  %-8s  %s", idW, "WIDGET", feedW, "FEED", "STATE", "AGE", "VALUE")))
	b.WriteByte('\n')
	for i, r := range rows {
		line := fmt.Sprintf(" %-*s  %-*s  %s  %-8s  %s",
			idW, r.id,
			feedW, r.feed,
			stateStyle(r.state).Render(fmt.Sprintf("%-8s", r.state)),
			r.age,
			r.value,
		)
		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := fmt.Sprintf(" tradeboard watch  %s    push: %s    widgets: %d ",
		m.now.Format("15:04:05"), m.board.connection(), len(m.widgets))
	footer := " q quit  up/dn select  r refresh  R refresh all  p pause/resume"
	return headerStyle.Render(padOrTrunc(header, m.width)) + "\n" +
		m.viewport.View() + "\n" +
		footerStyle.Render(padOrTrunc(footer, m.width))
}

func padOrTrunc(s string, width int) string {
	if width <= 0 {
		return s
	}
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: tradeboard-watch feedType[:dataSource][@interval] ...")
		os.Exit(2)
	}

	var widgets []widget
	for i, arg := range os.Args[1:] {
		w, err := parseWidget(i, arg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		widgets = append(widgets, w)
	}

	cfg, err := config.Load(os.Getenv("TRADEBOARD_CONFIG"))
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// The terminal belongs to the UI, so logs go to a file.
	logFileName := filepath.Join(os.TempDir(), fmt.Sprintf("tradeboard-watch-%s.log", time.Now().Format("2006-01-02")))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	defer logFile.Close()
	logger := util.NewLoggerTo(logFile, cfg.Logging.Level, "text")

	a := app.New(cfg, nil, logger)
	b := newBoard()
	a.Manager.SetCallbacks(b.callbacks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Manager.Start(ctx)
	defer a.Manager.Shutdown()

	for _, w := range widgets {
		if err := a.Manager.Subscribe(w.id, w.key.FeedType, w.key.DataSource, w.interval); err != nil {
			logger.Error("subscribing", "widget", w.id, "feed", w.key.String(), "error", err)
		}
	}

	p := tea.NewProgram(
		newModel(widgets, b, a.Manager),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
