package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
	"github.com/chaz8081/sensorlink/internal/history"
	"github.com/chaz8081/sensorlink/internal/rfcomm"
	"github.com/chaz8081/sensorlink/internal/session"
)

var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
)

const labelWidth = 10

// Renderer writes styled output. It is safe for concurrent use, so state
// updates and command output can share one terminal.
type Renderer struct {
	mu  sync.Mutex
	out io.Writer

	bold    lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	warning lipgloss.Style
	info    lipgloss.Style
}

// NewRenderer creates a Renderer for out. Colour is used only when out
// is a terminal.
func NewRenderer(out io.Writer) *Renderer {
	lr := lipgloss.NewRenderer(out)
	return &Renderer{
		out:     out,
		bold:    lr.NewStyle().Bold(true),
		label:   lr.NewStyle().Width(labelWidth).Foreground(colorMuted),
		muted:   lr.NewStyle().Faint(true),
		success: lr.NewStyle().Foreground(colorSuccess).Bold(true),
		failure: lr.NewStyle().Foreground(colorError).Bold(true),
		warning: lr.NewStyle().Foreground(colorWarning),
		info:    lr.NewStyle().Foreground(colorInfo),
	}
}

// State prints a state snapshot.
func (r *Renderer) State(s session.State) {
	r.print(r.stateView(s))
}

// Devices prints a numbered device listing for connect <n>.
func (r *Renderer) Devices(devices []rfcomm.Device) {
	if len(devices) == 0 {
		r.print(r.warning.Render(session.TextNoPairedDevices))
		return
	}
	var b strings.Builder
	b.WriteString(r.bold.Render("Paired devices"))
	for i, dev := range devices {
		fmt.Fprintf(&b, "\n  %2d  %-24s %s", i+1, dev.DisplayName(), r.muted.Render(dev.Address))
	}
	r.print(b.String())
}

// History prints recent readings and upload attempts, newest first.
func (r *Renderer) History(readings []history.Reading, uploads []history.Upload) {
	r.print(r.historyView(readings, uploads))
}

// Help prints the command list.
func (r *Renderer) Help() {
	r.print(r.bold.Render("Commands") + "\n" + helpText)
}

// Error prints a failed command.
func (r *Renderer) Error(err error) {
	msg := err.Error()
	if at := errorkinds.Where(err); at != "" {
		msg += r.muted.Render(" (" + at + ")")
	}
	r.print(r.failure.Render("error:") + " " + msg)
}

// Info prints a plain notice.
func (r *Renderer) Info(msg string) {
	r.print(r.info.Render(msg))
}

func (r *Renderer) print(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}

func (r *Renderer) stateView(s session.State) string {
	var b strings.Builder

	b.WriteString(r.statusStyle(s).Render("[" + s.Status.String() + "]"))
	b.WriteString(" " + s.Message)
	if s.AutoPoll {
		b.WriteString(" " + r.info.Render("auto-poll on"))
	}

	b.WriteString("\n  " + r.label.Render(labelOr(s.Readings.Label1, "Sensor 1")) + r.bold.Render(s.Readings.Sensor1))
	b.WriteString("\n  " + r.label.Render(labelOr(s.Readings.Label2, "Sensor 2")) + r.bold.Render(s.Readings.Sensor2))

	if s.Upload != "" {
		upload := s.Upload
		if s.LastUpload != nil && s.LastUpload.EntryID > 0 {
			upload += fmt.Sprintf(" (entry %d)", s.LastUpload.EntryID)
		}
		b.WriteString("\n  " + r.label.Render("Upload") + r.uploadStyle(s.Upload).Render(upload))
	}
	return b.String()
}

func (r *Renderer) historyView(readings []history.Reading, uploads []history.Upload) string {
	var b strings.Builder

	b.WriteString(r.bold.Render("Readings"))
	if len(readings) == 0 {
		b.WriteString("\n  " + r.muted.Render("none"))
	}
	for _, row := range readings {
		fmt.Fprintf(&b, "\n  %s  %s=%s  %s=%s",
			r.muted.Render(row.At.Local().Format("2006-01-02 15:04:05")),
			labelOr(row.Readings.Label1, "1"), row.Readings.Sensor1,
			labelOr(row.Readings.Label2, "2"), row.Readings.Sensor2)
	}

	b.WriteString("\n" + r.bold.Render("Uploads"))
	if len(uploads) == 0 {
		b.WriteString("\n  " + r.muted.Render("none"))
	}
	for _, row := range uploads {
		outcome := r.success.Render(fmt.Sprintf("ok entry %d", row.EntryID))
		if !row.Succeeded() {
			outcome = r.failure.Render("failed") + " " + row.Error
		}
		fmt.Fprintf(&b, "\n  %s  %s,%s  %s",
			r.muted.Render(row.At.Local().Format("2006-01-02 15:04:05")),
			row.Field1, row.Field2, outcome)
	}
	return b.String()
}

func (r *Renderer) statusStyle(s session.State) lipgloss.Style {
	switch {
	case s.Status == session.Connected:
		return r.success
	case s.Status == session.Connecting:
		return r.info
	case s.Message == session.TextConnectError:
		return r.failure
	}
	return r.muted
}

func (r *Renderer) uploadStyle(text string) lipgloss.Style {
	switch {
	case text == session.TextSentSuccessfully:
		return r.success
	case strings.HasPrefix(text, session.TextErrorPrefix):
		return r.failure
	case text == session.TextNoDataToSend, text == session.TextNoConnection:
		return r.warning
	}
	return r.info
}

func labelOr(label, fallback string) string {
	if label == "" {
		return fallback
	}
	return label
}

const helpText = `  devices               list paired devices
  connect <n|address>   connect to a listed device or an address
  disconnect            close the connection
  read                  request one reading
  upload                upload the current readings
  auto on|off           start or stop the read and upload loop
  state                 show the current state
  history [rows]        show recent readings and uploads
  help                  show this list
  quit                  exit`
