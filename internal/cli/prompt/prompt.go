// Package prompt asks for audio/transcript pairs interactively when
// mixrelay submit gets no paths on the command line.
package prompt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/sheerbytes/mixrelay/internal/client"
)

// ErrAborted is returned when the user leaves a form with Ctrl+C or Esc.
var ErrAborted = huh.ErrUserAborted

var colorAccent = lipgloss.Color("#06B6D4")

// Asker is the interactive surface. The huh implementation is returned by
// New; tests substitute a scripted one.
type Asker interface {
	Pair(n int) (client.Pair, error)
	Confirm(title string) (bool, error)
}

type formAsker struct {
	in         io.Reader
	out        io.Writer
	accessible bool
}

// New returns an Asker drawing huh forms on out and reading keys from in.
// Accessible mode asks line by line, for screen readers and dumb terminals.
func New(in io.Reader, out io.Writer, accessible bool) Asker {
	return &formAsker{in: in, out: out, accessible: accessible}
}

func theme() *huh.Theme {
	t := huh.ThemeCharm()
	t.Focused.Title = t.Focused.Title.Foreground(colorAccent)
	return t
}

func (a *formAsker) run(groups ...*huh.Group) error {
	return huh.NewForm(groups...).
		WithTheme(theme()).
		WithInput(a.in).
		WithOutput(a.out).
		WithAccessible(a.accessible).
		Run()
}

func (a *formAsker) Pair(n int) (client.Pair, error) {
	var p client.Pair
	err := a.run(huh.NewGroup(
		huh.NewNote().Title(fmt.Sprintf("Sound %d", n)),
		huh.NewInput().
			Title("Input wav").
			Placeholder("take.wav").
			Validate(ValidateFile).
			Value(&p.Audio),
		huh.NewInput().
			Title("Input text").
			Placeholder("instructions.txt").
			Validate(ValidateFile).
			Value(&p.Transcript),
	))
	p.Audio = ExpandPath(p.Audio)
	p.Transcript = ExpandPath(p.Transcript)
	return p, err
}

func (a *formAsker) Confirm(title string) (bool, error) {
	var yes bool
	err := a.run(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Affirmative("Yes").
			Negative("No").
			Value(&yes),
	))
	return yes, err
}

// CollectPairs asks for pairs until the user declines to add another.
func CollectPairs(a Asker) ([]client.Pair, error) {
	var pairs []client.Pair
	for n := 1; ; n++ {
		p, err := a.Pair(n)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)

		more, err := a.Confirm("Add another sound?")
		if err != nil {
			return nil, err
		}
		if !more {
			return pairs, nil
		}
	}
}

// Again asks whether to submit another job.
func Again(a Asker) (bool, error) {
	return a.Confirm("Process another song?")
}

// ValidateFile rejects paths that are not existing, non-empty regular files.
func ValidateFile(s string) error {
	path := ExpandPath(s)
	if path == "" {
		return errors.New("path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot open %s", path)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", path)
	}
	return nil
}

// ExpandPath trims s, strips quotes left by drag and drop, and expands a
// leading ~.
func ExpandPath(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if s == "~" || strings.HasPrefix(s, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(s, "~"))
		}
	}
	return s
}
