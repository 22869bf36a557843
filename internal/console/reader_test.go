package console

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/sensorlink/internal/errorkinds"
	"github.com/chaz8081/sensorlink/internal/rfcomm"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line  string
		want  CommandType
		arg   string
		limit int
	}{
		{"devices", CmdDevices, "", 0},
		{"  LS ", CmdDevices, "", 0},
		{"connect 2", CmdConnect, "2", 0},
		{"connect /dev/ttyUSB0", CmdConnect, "/dev/ttyUSB0", 0},
		{"disconnect", CmdDisconnect, "", 0},
		{"read", CmdRead, "", 0},
		{"upload", CmdUpload, "", 0},
		{"auto on", CmdAutoPoll, "on", 0},
		{"auto OFF", CmdAutoPoll, "off", 0},
		{"state", CmdState, "", 0},
		{"history", CmdHistory, "", DefaultHistoryRows},
		{"history 3", CmdHistory, "", 3},
		{"help", CmdHelp, "", 0},
		{"quit", CmdQuit, "", 0},
		{"exit", CmdQuit, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.line, err)
			}
			if cmd.Type != tt.want {
				t.Errorf("Type = %d, want %d", cmd.Type, tt.want)
			}
			if cmd.Arg != tt.arg {
				t.Errorf("Arg = %q, want %q", cmd.Arg, tt.arg)
			}
			if cmd.Limit != tt.limit {
				t.Errorf("Limit = %d, want %d", cmd.Limit, tt.limit)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, line := range []string{"", "fly", "connect", "connect a b", "auto", "auto maybe", "history x", "history 0", "history 1 2"} {
		t.Run(line, func(t *testing.T) {
			_, err := Parse(line)
			if err == nil {
				t.Fatalf("Parse(%q) should fail", line)
			}
			if !errorkinds.Is(err, errorkinds.InvalidArgument) {
				t.Errorf("kind = %q, want %q", errorkinds.Of(err), errorkinds.InvalidArgument)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	devices := []rfcomm.Device{
		{Address: "00:11:22:33:44:55", Name: "HC-05"},
		{Address: "66:77:88:99:AA:BB", Name: "HC-06"},
	}

	dev, err := Resolve("2", devices)
	if err != nil || dev.Name != "HC-06" {
		t.Errorf("Resolve(2) = %+v, %v; want HC-06", dev, err)
	}

	dev, err = Resolve("00:11:22:33:44:55", devices)
	if err != nil || dev.Name != "HC-05" {
		t.Errorf("Resolve(address) = %+v, %v; want HC-05", dev, err)
	}

	dev, err = Resolve("66:77:88:99:aa:bb", devices)
	if err != nil || dev.Name != "HC-06" {
		t.Errorf("address match should ignore case, got %+v, %v", dev, err)
	}

	dev, err = Resolve("/dev/ttyUSB0", devices)
	if err != nil || dev.Address != "/dev/ttyUSB0" || dev.Name != "" {
		t.Errorf("unlisted address should pass through, got %+v, %v", dev, err)
	}

	for _, arg := range []string{"0", "3", "-1"} {
		if _, err := Resolve(arg, devices); !errorkinds.Is(err, errorkinds.InvalidArgument) {
			t.Errorf("Resolve(%s) error = %v, want invalid argument", arg, err)
		}
	}
}

func TestReaderEmitsCommands(t *testing.T) {
	r := NewReader(strings.NewReader("devices\n\n   \nbogus\nread\n"))
	go r.Start()

	var got []Command
	for cmd := range r.Commands() {
		got = append(got, cmd)
	}

	if len(got) != 3 {
		t.Fatalf("got %d commands, want 3 (blank lines skipped)", len(got))
	}
	if got[0].Type != CmdDevices || got[0].Err != nil {
		t.Errorf("first = %+v, want devices", got[0])
	}
	if got[1].Err == nil {
		t.Error("unknown command should arrive with Err set")
	}
	if got[2].Type != CmdRead || got[2].Err != nil {
		t.Errorf("third = %+v, want read", got[2])
	}
}

func TestReaderStopClosesChannel(t *testing.T) {
	// A pipe that never delivers input, like an idle terminal.
	pr, pw := io.Pipe()
	defer pw.Close()

	r := NewReader(pr)
	done := make(chan struct{})
	go func() {
		r.Start()
		close(done)
	}()

	r.Stop()
	r.Stop() // safe to call twice

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if _, ok := <-r.Commands(); ok {
		t.Error("Commands channel should be closed")
	}
}
