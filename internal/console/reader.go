// Package console provides the terminal front end: a line reader that
// turns operator input into commands, and a renderer for session state.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
	"github.com/chaz8081/sensorlink/internal/rfcomm"
)

// CommandType identifies an operator command.
type CommandType int

const (
	CmdDevices CommandType = iota
	CmdConnect
	CmdDisconnect
	CmdRead
	CmdUpload
	CmdAutoPoll
	CmdState
	CmdHistory
	CmdHelp
	CmdQuit
)

// Command is emitted on the channel returned by Commands.
type Command struct {
	Type CommandType
	// Arg is the connect target, or "on"/"off" for auto.
	Arg string
	// Limit is the row count for history.
	Limit int
	// Err is set when the line could not be parsed; Type is then meaningless.
	Err error
}

// DefaultHistoryRows is how many rows history prints without an argument.
const DefaultHistoryRows = 10

// Parse turns one input line into a Command.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, invalid("help")
	}
	// Arguments keep their case: serial port paths are case-sensitive.
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "devices", "ls":
		return Command{Type: CmdDevices}, nil
	case "connect", "c":
		if len(args) != 1 {
			return Command{}, invalid("connect <number|address>")
		}
		return Command{Type: CmdConnect, Arg: args[0]}, nil
	case "disconnect", "d":
		return Command{Type: CmdDisconnect}, nil
	case "read", "r":
		return Command{Type: CmdRead}, nil
	case "upload", "u":
		return Command{Type: CmdUpload}, nil
	case "auto":
		if len(args) != 1 {
			return Command{}, invalid("auto on|off")
		}
		switch mode := strings.ToLower(args[0]); mode {
		case "on", "off":
			return Command{Type: CmdAutoPoll, Arg: mode}, nil
		}
		return Command{}, invalid("auto on|off")
	case "state", "s":
		return Command{Type: CmdState}, nil
	case "history", "h":
		cmd := Command{Type: CmdHistory, Limit: DefaultHistoryRows}
		if len(args) > 1 {
			return Command{}, invalid("history [rows]")
		}
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return Command{}, invalid("history [rows]")
			}
			cmd.Limit = n
		}
		return cmd, nil
	case "help", "?":
		return Command{Type: CmdHelp}, nil
	case "quit", "exit", "q":
		return Command{Type: CmdQuit}, nil
	}
	return Command{}, errorkinds.Wrap(fmt.Errorf("unknown command %q", name),
		errorkinds.InvalidArgument, "console.Parse", "type help for a list of commands")
}

func invalid(usage string) error {
	return errorkinds.Wrap(fmt.Errorf("usage: %s", usage),
		errorkinds.InvalidArgument, "console.Parse", "invalid command")
}

// Resolve picks the connect target: a 1-based position in devices, or an
// address matched against the listing. An unlisted address is returned bare.
func Resolve(arg string, devices []rfcomm.Device) (rfcomm.Device, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(devices) {
			return rfcomm.Device{}, errorkinds.Wrap(
				fmt.Errorf("device %d not in list of %d", n, len(devices)),
				errorkinds.InvalidArgument, "console.Resolve", "run devices first")
		}
		return devices[n-1], nil
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.Address, arg) {
			return dev, nil
		}
	}
	return rfcomm.Device{Address: arg}, nil
}

// Reader reads commands line by line from an input stream.
type Reader struct {
	in   io.Reader
	ch   chan Command
	done chan struct{}
	once sync.Once
}

// NewReader creates a Reader over in (usually os.Stdin).
func NewReader(in io.Reader) *Reader {
	return &Reader{
		in:   in,
		ch:   make(chan Command, 16),
		done: make(chan struct{}),
	}
}

// Commands returns the channel that receives parsed commands.
// The channel is closed when input ends or Stop is called.
func (r *Reader) Commands() <-chan Command {
	return r.ch
}

// Start reads input until it ends or Stop is called.
// This function blocks. Run it in a goroutine.
func (r *Reader) Start() {
	defer close(r.ch)

	// The scanner cannot be interrupted, so it runs apart from the loop
	// that honours Stop.
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-r.done:
				return
			}
		}
	}()

	for {
		select {
		case <-r.done:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			cmd, err := Parse(line)
			if err != nil {
				cmd = Command{Err: err}
			}
			select {
			case r.ch <- cmd:
			case <-r.done:
				return
			}
		}
	}
}

// Stop terminates the reader.
// It is safe to call multiple times.
func (r *Reader) Stop() {
	r.once.Do(func() {
		close(r.done)
	})
}
