package audiard

// The line shell: the device's operator control surface, carried over TCP.
// Each line is one command. Every command answers with zero or more result
// lines followed by a bare process-style integer code on its own line,
// 0 for success and a negative family for errors, so both humans and
// expect-style scripts can drive it.

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/audiodaq/audiard/internal/errcode"
)

const measureClockTimeout = 5 * time.Second

var shellHelp = []string{
	"start                      begin capture to the next free file",
	"stop                       end capture and finalize the file",
	"reset                      return to idle from any state",
	"status                     one-line JSON recorder status",
	"set_mode {stereo|tdm}      switch the capture profile (idle only)",
	"measure_clock [halves]     check the external master clock (while recording)",
	"ls                         list recordings on the card",
	"play <file> [loop]         play a recording out the transmit block",
	"pause | resume | stop_play control playback",
	"pstatus                    one-line JSON player status",
	"export <file> [dest]       copy a recording off the card as WAV",
	"version                    report the build",
	"exit                       close this connection",
}

// ShellServer interprets the line protocol against the recorder.
type ShellServer struct {
	recorder *Recorder
	player   *Player
	fsman    *FSManager
}

// RunShellServer accepts line-shell connections forever.
func RunShellServer(recorder *Recorder, player *Player, fsman *FSManager, portshell int) {
	server := &ShellServer{recorder: recorder, player: player, fsman: fsman}
	port := fmt.Sprintf(":%d", portshell)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("shell listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			log.Fatal("shell accept error: " + err.Error())
		} else {
			log.Printf("new shell connection established\n")
			go server.serve(conn)
		}
	}
}

// serve runs one connection until exit or EOF.
func (s *ShellServer) serve(conn net.Conn) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		verb := strings.ToLower(fields[0])
		if verb == "exit" || verb == "quit" {
			return
		}
		lines, err := s.execute(verb, fields[1:])
		if err != nil {
			lines = []string{err.Error()}
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w, errcode.ExitCode(err))
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// execute dispatches one command. The error, not the lines, decides the
// integer code the caller prints.
func (s *ShellServer) execute(verb string, args []string) ([]string, error) {
	switch verb {
	case "start":
		if err := s.recorder.StartRecording(); err != nil {
			return nil, err
		}
		return []string{"recording " + s.recorder.Status().Filename}, nil

	case "stop":
		filename := s.recorder.Status().Filename
		if err := s.recorder.StopRecording(); err != nil {
			return nil, err
		}
		return []string{"closed " + filename}, nil

	case "reset":
		if err := s.recorder.Reset(); err != nil {
			return nil, err
		}
		return []string{"idle"}, nil

	case "status":
		return jsonLine(s.recorder.Status())

	case "set_mode":
		if len(args) != 1 {
			return nil, parseErr("set_mode takes exactly one mode")
		}
		mode, err := ParseMode(args[0])
		if err != nil {
			return nil, parseErr(err.Error())
		}
		if err := s.recorder.SetMode(mode); err != nil {
			return nil, err
		}
		return []string{"mode " + mode.String()}, nil

	case "measure_clock":
		halves := 16
		if len(args) > 1 {
			return nil, parseErr("measure_clock takes at most one count")
		}
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return nil, parseErr("measure_clock count: " + args[0])
			}
			halves = n
		}
		report, err := s.recorder.MeasureClock(halves, measureClockTimeout)
		if err != nil {
			return nil, err
		}
		return jsonLine(report)

	case "ls":
		infos, err := s.fsman.List(RecordingsDir)
		if err != nil {
			return nil, err
		}
		lines := make([]string, 0, len(infos))
		for _, info := range infos {
			lines = append(lines, fmt.Sprintf("%10d  %s", info.Size(), info.Name()))
		}
		return lines, nil

	case "play":
		if len(args) < 1 || len(args) > 2 {
			return nil, parseErr("play takes a file and an optional loop flag")
		}
		loop := false
		if len(args) == 2 {
			if args[1] != "loop" {
				return nil, parseErr("play: unknown flag " + args[1])
			}
			loop = true
		}
		if err := s.player.PlayFile(cardPath(args[0]), loop); err != nil {
			return nil, err
		}
		return []string{"playing " + args[0]}, nil

	case "pause":
		if err := s.player.Pause(); err != nil {
			return nil, err
		}
		return []string{"paused"}, nil

	case "resume":
		if err := s.player.Resume(); err != nil {
			return nil, err
		}
		return []string{"playing"}, nil

	case "stop_play":
		if err := s.player.Stop(); err != nil {
			return nil, err
		}
		return []string{"stopped"}, nil

	case "pstatus":
		return jsonLine(s.player.Status())

	case "export":
		if len(args) < 1 || len(args) > 2 {
			return nil, parseErr("export takes a file and an optional destination")
		}
		if s.recorder.Running() {
			return nil, busyErr("capture holds the card, stop recording first")
		}
		dest := ""
		if len(args) == 2 {
			dest = args[1]
		}
		written, err := ExportWAV(s.fsman, cardPath(args[0]), dest)
		if err != nil {
			return nil, err
		}
		return []string{"wrote " + written}, nil

	case "version":
		return []string{fmt.Sprintf("audiard %s (%s)", Build.Version, Build.Githash)}, nil

	case "help":
		return shellHelp, nil
	}
	return nil, parseErr("unknown command " + verb)
}

// cardPath lets operators name recordings bare; full paths pass through.
func cardPath(name string) string {
	if path.Dir(name) == "." {
		return path.Join(RecordingsDir, name)
	}
	return name
}

func jsonLine(v interface{}) ([]string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []string{string(b)}, nil
}

func parseErr(msg string) error {
	return errcode.Wrap(errcode.ParErr, "shell", errors.New(msg))
}

func busyErr(msg string) error {
	return errcode.Wrap(errcode.Busy, "shell", errors.New(msg))
}
