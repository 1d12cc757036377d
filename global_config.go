package audiard

import (
	"io"
	"log"
	"os"
)

// Portnumbers carries the three TCP ports the daemon listens on.
type Portnumbers struct {
	RPC    int // JSON-RPC control surface
	Status int // ZMQ PUB status stream
	Shell  int // line shell
}

// Ports holds the live listen ports. cmd/audiard overwrites these from
// the ports.* config keys before any server starts; the literals are the
// documented defaults.
var Ports = Portnumbers{RPC: 5500, Status: 5501, Shell: 5502}

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version string
	Githash string
	Date    string
}

// Build is stamped through ldflags in release builds; a developer build
// keeps the placeholder hash and date.
var Build = BuildInfo{
	Version: "0.2.3",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// ProblemLogger takes every warning and error-kind message; UpdateLogger
// takes client status traffic. cmd/audiard points both at rolling log
// files at startup. The fallbacks below serve tests and library use:
// problems still reach stderr, status chatter goes nowhere.
var (
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger  = log.New(io.Discard, "", log.LstdFlags)
)
