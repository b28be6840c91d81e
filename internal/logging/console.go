package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	stepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Console prints user-facing pipeline progress. Every line is also mirrored
// to the agent log category.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole returns a console writing to w (stdout when nil).
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{out: w}
}

// Step prints a "[STEP: NAME]" header followed by the message.
func (c *Console) Step(name, message string) {
	header := fmt.Sprintf("[STEP: %s]", strings.ToUpper(name))
	c.write("\n" + stepStyle.Render(header) + "\n" + message + "\n")
	Agent("%s %s", header, message)
}

// Success prints a green check line.
func (c *Console) Success(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.write(successStyle.Render("✔ "+msg) + "\n")
	Agent("ok: %s", msg)
}

// Failure prints a red cross line.
func (c *Console) Failure(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.write(failureStyle.Render("✖ "+msg) + "\n")
	AgentWarn("fail: %s", msg)
}

// Block prints a titled block of raw output (reproduction output, diffs).
func (c *Console) Block(title, body string) {
	c.write("\n" + title + ":\n" + body + "\n")
}

func (c *Console) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, s)
}
