package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/control"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the active run live",
	Long: `Open a live view of the run in the state directory. The view refreshes
whenever the state file changes and at a fixed interval.

Keys: p pause, s stop, r refresh, q quit.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchInterval time.Duration

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
	rootCmd.AddCommand(watchCmd)
}

type watchTickMsg time.Time

type watchChangedMsg state.Status

type watchSnapshotMsg struct {
	snap control.Status
	err  error
}

type watchResultMsg struct {
	res control.Result
	err error
}

// statusSource is the part of control.Manager the live view needs.
type statusSource interface {
	GetStatus() (control.Result, control.Status, error)
	Pause(reason string) (control.Result, error)
	Stop(reason string, cleanup bool) (control.Result, error)
}

type watchModel struct {
	source   statusSource
	spinner  spinner.Model
	interval time.Duration
	width    int

	snap    control.Status
	loaded  bool
	err     error
	message string
}

func newWatchModel(source statusSource, interval time.Duration) watchModel {
	s := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(titleStyle))
	return watchModel{source: source, spinner: s, interval: interval}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh(), m.tick())
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return watchTickMsg(t) })
}

func (m watchModel) refresh() tea.Cmd {
	return func() tea.Msg {
		_, snap, err := m.source.GetStatus()
		return watchSnapshotMsg{snap: snap, err: err}
	}
}

func (m watchModel) act(op func() (control.Result, error)) tea.Cmd {
	return func() tea.Msg {
		res, err := op()
		return watchResultMsg{res: res, err: err}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		case "p":
			return m, m.act(func() (control.Result, error) { return m.source.Pause("paused from watch") })
		case "s":
			return m, m.act(func() (control.Result, error) { return m.source.Stop("stopped from watch", false) })
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case watchTickMsg:
		return m, tea.Batch(m.refresh(), m.tick())
	case watchChangedMsg:
		return m, m.refresh()
	case watchSnapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.loaded = true
		}
	case watchResultMsg:
		if msg.err != nil {
			m.message = msg.err.Error()
		} else {
			m.message = msg.res.Message
		}
		return m, m.refresh()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	header := titleStyle.Render("taskmaster watch")
	if m.loaded && !state.IsTerminal(m.snap.Status) {
		header = m.spinner.View() + " " + header
	}
	b.WriteString(header + "\n\n")

	switch {
	case m.err != nil && !m.loaded:
		b.WriteString(errorStyle.Render(m.err.Error()) + "\n")
	case !m.loaded:
		b.WriteString(mutedStyle.Render("loading...") + "\n")
	default:
		b.WriteString(renderStatus(m.snap) + "\n")
	}

	if m.message != "" {
		b.WriteString("\n" + warningStyle.Render(m.message) + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render("p pause • s stop • r refresh • q quit"))

	if m.width <= 0 {
		return b.String()
	}
	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = ansi.Truncate(line, m.width, "…")
	}
	return strings.Join(lines, "\n")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !isTTY() {
		return fmt.Errorf("watch needs a terminal; use 'taskmaster status' instead")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, store, err := newManager(cfg)
	if err != nil {
		return err
	}
	if !store.Exists() {
		return fmt.Errorf("no active run in %s", store.Dir())
	}

	p := tea.NewProgram(newWatchModel(manager, watchInterval), tea.WithAltScreen())

	watcher, err := state.NewWatcher(store.Dir(), func(s state.Status) { p.Send(watchChangedMsg(s)) }, nil)
	if err == nil {
		watcher.Start()
		defer watcher.Stop()
	}

	_, err = p.Run()
	return err
}
