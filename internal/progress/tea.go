package progress

import (
	"context"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sheerbytes/mixrelay/internal/client"
)

var (
	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	styleLine  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleWait  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleFail  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	styleMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

type tickMsg struct{}
type stopMsg struct{}

type jobModel struct {
	viewFn    func() JobView
	interrupt func()
	view      JobView
}

func (m jobModel) Init() tea.Cmd {
	return nil
}

func (m jobModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.interrupt()
		}
	case tickMsg:
		m.view = m.viewFn()
	case stopMsg:
		m.view = m.viewFn()
		return m, tea.Quit
	}
	return m, nil
}

func (m jobModel) View() string {
	return renderJobTTY(m.view) + "\n"
}

func renderJobTTY(v JobView) string {
	var b strings.Builder
	b.WriteString(styleTitle.Render("mixrelay → " + v.Addr))
	b.WriteString("\n")

	style := styleLine
	switch v.State {
	case client.StateJobClosed, client.StatePolling:
		style = styleWait
	case client.StateFailed:
		style = styleFail
	}
	b.WriteString(style.Render(Summary(v)))
	b.WriteString("\n")
	b.WriteString(styleMuted.Render(FilesLine(v)))
	return b.String()
}

// renderTea drives a bubbletea program until the returned stop is called.
// interrupt runs on Ctrl+C.
func renderTea(ctx context.Context, w io.Writer, t *Tracker, interrupt func()) func() {
	model := jobModel{viewFn: t.View, interrupt: interrupt, view: t.View()}
	program := tea.NewProgram(model, tea.WithOutput(w), tea.WithContext(ctx))
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_, _ = program.Run()
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	stop := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.Changed():
				program.Send(tickMsg{})
			case <-ticker.C:
				program.Send(tickMsg{})
			}
		}
	}()

	return func() {
		close(stop)
		program.Send(stopMsg{})
		<-exited
	}
}
