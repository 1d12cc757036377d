// Command audiardctl drives a running audiard daemon over its JSON-RPC
// port. Every subcommand maps onto one RPC method, and the process exit
// status carries the daemon's error kind: 0 on success, 16 busy, 22 bad
// argument, 62 timeout, 5 card trouble, 1 anything else.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strconv"
	"time"

	"github.com/audiodaq/audiard"
	"github.com/audiodaq/audiard/internal/errcode"
	"github.com/spf13/cobra"
)

var serverAddr string

func dial() *rpc.Client {
	conn, err := net.DialTimeout("tcp", serverAddr, 2*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audiardctl: cannot reach %s: %v\n", serverAddr, err)
		os.Exit(1)
	}
	return jsonrpc.NewClient(conn)
}

// rpcCall runs one remote call. RPC errors arrive flattened to strings, so
// the error kind is parsed back out to pick the exit status.
func rpcCall(method string, args, reply interface{}) {
	client := dial()
	defer client.Close()
	if err := client.Call("RecorderControl."+method, args, reply); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-errcode.ExitCode(errcode.CodeFromMessage(err.Error())))
	}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func recorderStatus() audiard.RecorderStatus {
	var dummy string
	var status audiard.RecorderStatus
	rpcCall("Status", &dummy, &status)
	return status
}

var rootCmd = &cobra.Command{
	Use:     "audiardctl",
	Short:   "Control a running audiard capture daemon",
	Version: audiard.Build.Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Begin a capture session on the next free file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var dummy string
		var ok bool
		rpcCall("Start", &dummy, &ok)
		fmt.Printf("recording %s\n", recorderStatus().Filename)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "End the capture session and finalize the file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		filename := recorderStatus().Filename
		var dummy string
		var ok bool
		rpcCall("Stop", &dummy, &ok)
		fmt.Printf("closed %s\n", filename)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Return the recorder to idle from any state",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var dummy string
		var ok bool
		rpcCall("Reset", &dummy, &ok)
		fmt.Println("idle")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the recorder pipeline snapshot",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printJSON(recorderStatus())
	},
}

var setModeCmd = &cobra.Command{
	Use:   "set_mode <stereo|tdm>",
	Short: "Switch the capture profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var ok bool
		rpcCall("SetMode", &args[0], &ok)
		fmt.Printf("mode %s\n", args[0])
	},
}

var measureClockCmd = &cobra.Command{
	Use:   "measure_clock [halves]",
	Short: "Measure the live bit clock against the nominal rate",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		margs := audiard.MeasureArgs{Halves: 16}
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "bad half count %q\n", args[0])
				os.Exit(22)
			}
			margs.Halves = n
		}
		var report audiard.ClockReport
		rpcCall("MeasureClock", &margs, &report)
		printJSON(report)
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List capture files on the card",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var dummy string
		var infos []audiard.RecordingInfo
		rpcCall("ListRecordings", &dummy, &infos)
		for _, ri := range infos {
			fmt.Printf("%10d  %7.1fs  %s\n", ri.Bytes, ri.Seconds, ri.Name)
		}
	},
}

var loopPlayback bool

var playCmd = &cobra.Command{
	Use:   "play <file>",
	Short: "Play a capture file out the transmit interface",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var ok bool
		rpcCall("Play", &audiard.PlayArgs{Filename: args[0], Loop: loopPlayback}, &ok)
		fmt.Printf("playing %s\n", args[0])
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause playback in place",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var dummy string
		var ok bool
		rpcCall("PausePlayback", &dummy, &ok)
		fmt.Println("paused")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused playback",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var dummy string
		var ok bool
		rpcCall("ResumePlayback", &dummy, &ok)
		fmt.Println("playing")
	},
}

var stopPlayCmd = &cobra.Command{
	Use:   "stop_play",
	Short: "Stop playback",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var dummy string
		var ok bool
		rpcCall("StopPlayback", &dummy, &ok)
		fmt.Println("stopped")
	},
}

var pstatusCmd = &cobra.Command{
	Use:   "pstatus",
	Short: "Print the playback engine snapshot",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var dummy string
		var snap audiard.PlayerSnapshot
		rpcCall("PlayerStatus", &dummy, &snap)
		printJSON(snap)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file> [dest.wav]",
	Short: "Copy a capture file off the card as RIFF/WAV",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		eargs := audiard.ExportArgs{Filename: args[0]}
		if len(args) == 2 {
			eargs.Dest = args[1]
		}
		var dest string
		rpcCall("ExportWAV", &eargs, &dest)
		fmt.Printf("wrote %s\n", dest)
	},
}

var sendallCmd = &cobra.Command{
	Use:   "sendall",
	Short: "Make the daemon rebroadcast all cached status messages",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var dummy string
		var ok bool
		rpcCall("SendAllStatus", &dummy, &ok)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		fmt.Sprintf("localhost:%d", audiard.Ports.RPC), "address of the audiard RPC port")
	playCmd.Flags().BoolVar(&loopPlayback, "loop", false, "restart from the top at end of file")
	rootCmd.AddCommand(startCmd, stopCmd, resetCmd, statusCmd, setModeCmd,
		measureClockCmd, lsCmd, playCmd, pauseCmd, resumeCmd, stopPlayCmd,
		pstatusCmd, exportCmd, sendallCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
