package audiard

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/audiodaq/audiard/internal/saihw"
	"github.com/stretchr/testify/assert"
)

// shellConn drives one line-shell connection over an in-memory pipe.
type shellConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newShellConn(t *testing.T, rig *testRig) *shellConn {
	t.Helper()
	server := &ShellServer{
		recorder: rig.recorder,
		player:   NewPlayer(saihw.NewSim(), rig.fsman),
		fsman:    rig.fsman,
	}
	client, serverEnd := net.Pipe()
	go server.serve(serverEnd)
	t.Cleanup(func() { client.Close() })
	return &shellConn{t: t, conn: client, r: bufio.NewReader(client)}
}

// run sends one command and collects its result lines and integer code.
func (c *shellConn) run(command string) ([]string, int) {
	c.t.Helper()
	if _, err := fmt.Fprintln(c.conn, command); err != nil {
		c.t.Fatalf("send %q: %v", command, err)
	}
	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			c.t.Fatalf("read reply to %q: %v", command, err)
		}
		line = strings.TrimRight(line, "\n")
		if code, err := strconv.Atoi(line); err == nil {
			return lines, code
		}
		lines = append(lines, line)
	}
}

func TestShellHelpAndUnknown(t *testing.T) {
	rig := newTestRig(t, ModeStereo, DefaultQueueDepth)
	sh := newShellConn(t, rig)

	lines, code := sh.run("help")
	assert.Equal(t, 0, code)
	assert.Equal(t, len(shellHelp), len(lines))

	_, code = sh.run("frobnicate")
	assert.Equal(t, -22, code)

	// Blank lines are ignored, not answered.
	lines, code = sh.run("\nversion")
	assert.Equal(t, 0, code)
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "audiard ") {
		t.Errorf("version lines %v", lines)
	}
}

func TestShellStatusJSON(t *testing.T) {
	rig := newTestRig(t, ModeStereo, DefaultQueueDepth)
	sh := newShellConn(t, rig)

	lines, code := sh.run("status")
	if code != 0 || len(lines) != 1 {
		t.Fatalf("status: %d lines, code %d", len(lines), code)
	}
	var status RecorderStatus
	if err := json.Unmarshal([]byte(lines[0]), &status); err != nil {
		t.Fatalf("status line is not JSON: %v", err)
	}
	if status.State != "idle" || status.Mode != "stereo" {
		t.Errorf("status %q mode %q", status.State, status.Mode)
	}
}

func TestShellRecordingSession(t *testing.T) {
	rig := newTestRig(t, ModeStereo, DefaultQueueDepth)
	sh := newShellConn(t, rig)

	lines, code := sh.run("start")
	if code != 0 || len(lines) != 1 || !strings.HasPrefix(lines[0], "recording ") {
		t.Fatalf("start: %v, code %d", lines, code)
	}

	// The card is committed to capture, so a profile change is refused.
	_, code = sh.run("set_mode tdm")
	assert.Equal(t, -16, code)

	rig.tickAndDrain(t, 3)

	lines, code = sh.run("stop")
	if code != 0 || len(lines) != 1 || !strings.HasPrefix(lines[0], "closed ") {
		t.Fatalf("stop: %v, code %d", lines, code)
	}

	lines, code = sh.run("ls")
	assert.Equal(t, 0, code)
	found := false
	for _, line := range lines {
		if strings.Contains(line, "audio_2ch_16bit_16000Hz_000.pcm") {
			found = true
		}
	}
	if !found {
		t.Errorf("ls does not list the capture file: %v", lines)
	}
}

func TestShellSetModeArgs(t *testing.T) {
	rig := newTestRig(t, ModeStereo, DefaultQueueDepth)
	sh := newShellConn(t, rig)

	lines, code := sh.run("set_mode tdm")
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"mode tdm"}, lines)

	_, code = sh.run("set_mode")
	assert.Equal(t, -22, code)
	_, code = sh.run("set_mode quad")
	assert.Equal(t, -22, code)
	_, code = sh.run("set_mode tdm stereo")
	assert.Equal(t, -22, code)
}

func TestShellExit(t *testing.T) {
	rig := newTestRig(t, ModeStereo, DefaultQueueDepth)
	sh := newShellConn(t, rig)

	if _, err := fmt.Fprintln(sh.conn, "exit"); err != nil {
		t.Fatalf("send exit: %v", err)
	}
	if _, err := sh.r.ReadString('\n'); err == nil {
		t.Error("connection still open after exit")
	}
}
