// Package console is the terminal front end of stagectl: line prompts,
// styled status lines and the device table.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/tphummel/staging_kit/internal/models"
)

const (
	colorCyan    = "#8BE9FD"
	colorGreen   = "#50FA7B"
	colorPurple  = "#BD93F9"
	colorRed     = "#FF5555"
	colorYellow  = "#F1FA8C"
	colorComment = "#6272A4"
)

type styles struct {
	info, success, warning, error, header, cell lipgloss.Style
}

func newStyles() styles {
	return styles{
		info:    lipgloss.NewStyle().Foreground(lipgloss.Color(colorCyan)),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen)),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow)),
		error:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed)).Bold(true),
		header:  lipgloss.NewStyle().Foreground(lipgloss.Color(colorPurple)).Bold(true).Padding(0, 1),
		cell:    lipgloss.NewStyle().Padding(0, 1),
	}
}

// Console reads answers from in and writes prompts and messages to out.
type Console struct {
	in     *bufio.Reader
	out    io.Writer
	styles styles
}

// New returns a Console over in and out.
func New(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out, styles: newStyles()}
}

type line struct {
	text string
	err  error
}

// ReadLine shows prompt and returns the next input line without its line
// ending. It returns io.EOF when input is closed before any text, and
// ctx.Err() if ctx ends first. After a ctx return the pending read is
// abandoned and the Console should not be used again.
func (c *Console) ReadLine(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(c.out, prompt)

	ch := make(chan line, 1)
	go func() {
		s, err := c.in.ReadString('\n')
		ch <- line{s, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return "", ctx.Err()
	case l := <-ch:
		text := strings.TrimRight(l.text, "\r\n")
		if l.err != nil && !(errors.Is(l.err, io.EOF) && text != "") {
			return "", l.err
		}
		return text, nil
	}
}

// Ask implements confirm.Responder.
func (c *Console) Ask(ctx context.Context, prompt string) (string, error) {
	return c.ReadLine(ctx, prompt)
}

func (c *Console) Info(format string, args ...any) {
	fmt.Fprintln(c.out, c.styles.info.Render(fmt.Sprintf(format, args...)))
}

func (c *Console) Success(format string, args ...any) {
	fmt.Fprintln(c.out, c.styles.success.Render(fmt.Sprintf(format, args...)))
}

func (c *Console) Warn(format string, args ...any) {
	fmt.Fprintln(c.out, c.styles.warning.Render(fmt.Sprintf(format, args...)))
}

func (c *Console) Error(format string, args ...any) {
	fmt.Fprintln(c.out, c.styles.error.Render(fmt.Sprintf(format, args...)))
}

// Result prints how a change ended.
func (c *Console) Result(res models.ChangeResult) {
	switch res.Outcome {
	case models.OutcomeSucceeded:
		c.Success("[SUCCESS] %s", res.Message)
	case models.OutcomeCancelled:
		c.Warn("[CANCELLED] %s", res.Message)
	default:
		c.Error("[FAILED] %s", res.Message)
	}
}

// Devices prints list as a table.
func (c *Console) Devices(list []models.DeviceRecord) {
	fmt.Fprintln(c.out, DeviceTable(list))
	c.Info("%d devices", len(list))
}

// DeviceTable renders list with Name, Manufacturer and Device ID columns.
func DeviceTable(list []models.DeviceRecord) string {
	s := newStyles()
	rows := make([][]string, 0, len(list))
	for _, d := range list {
		rows = append(rows, []string{d.Name, d.Manufacturer, d.DeviceID})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(colorComment))).
		Headers("Name", "Manufacturer", "Device ID").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.header
			}
			return s.cell
		})
	return t.String()
}
