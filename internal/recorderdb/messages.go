package recorderdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the audiardactivity table: one
// row per daemon run.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information required to make an entry in the
// sessions table when a capture starts.
type SessionMessage struct {
	ID         string
	ActivityID string
	Filename   string
	Mode       string
	Channels   int
	SampleRate int
	Start      time.Time
}

// SessionEndMessage closes out a session row with its final accounting.
type SessionEndMessage struct {
	Filename string
	Bytes    int64
	Chunks   uint64
	Dropped  uint64
	End      time.Time
}
