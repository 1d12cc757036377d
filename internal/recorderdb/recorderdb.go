// Package recorderdb logs capture sessions to a ClickHouse database. The
// database is strictly optional: an unreachable server turns every Record
// call into a no-op, and the recorder never waits on it.
package recorderdb

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"

	"github.com/audiodaq/audiard/internal/unboundedchan"
)

const databaseName = "audiard" // official SQL name of the database

// Connection wraps one ClickHouse connection and the message plumbing that
// decouples the recorder from insert latency.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	sessionmsg    *unboundedchan.Chan[*SessionMessage]
	endmsg        *unboundedchan.Chan[*SessionEndMessage]
	sync.WaitGroup
}

var oncedbconn sync.Once
var singledbconn *Connection // singleton object. DON'T USE outside this source file

// IsConnected reports whether inserts can reach the server.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer checks that a ClickHouse server answers at the given address.
func PingServer(addr string) error {
	db := createDBConnection(addr)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// NewActivityMessage describes this daemon run for the activity table.
func NewActivityMessage(version, githash string) *ActivityMessage {
	hostname, _ := os.Hostname()
	return &ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  hostname,
		Githash:   githash,
		Version:   version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}
}

// StartConnection connects the process-wide session ledger. Call it once
// from main; everything else reaches the ledger through RecordSession and
// RecordSessionEnd.
func StartConnection(addr string, activity *ActivityMessage, abort <-chan struct{}) *Connection {
	oncedbconn.Do(func() {
		singledbconn = createDBConnection(addr)
		singledbconn.activityEntry = activity
		if singledbconn.IsConnected() {
			singledbconn.logActivity()
			singledbconn.Add(1)
			go singledbconn.handleConnection(abort)
		}
	})
	return singledbconn
}

// createDBConnection dials a ClickHouse server. An empty address means
// the ledger is disabled: the stub connection answers IsConnected false
// and every Record call is a no-op.
func createDBConnection(addr string) *Connection {
	db := &Connection{}
	if addr == "" {
		return db
	}
	dbUser := os.Getenv("AUDIARD_DB_USER")
	dbPass := os.Getenv("AUDIARD_DB_PASSWORD")
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: dbUser,
		Password: dbPass,
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "audiard", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{addr},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	// Ping the server at the DB connection.
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.sessionmsg = unboundedchan.New[*SessionMessage]()
	db.endmsg = unboundedchan.New[*SessionEndMessage]()
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := ae.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO audiardactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into audiardactivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case smsg := <-db.sessionmsg.Out():
			db.handleSessionMessage(smsg)
		case emsg := <-db.endmsg.Out():
			db.handleEndMessage(emsg)
		}
	}
}

// Disconnect stamps the activity row with its end time.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordSession enters a started capture in the ledger. The unbounded
// channel means this never blocks the recorder, no matter how slow the
// server is.
func RecordSession(msg *SessionMessage) {
	db := singledbconn
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.ID = ulid.Make().String()
	msg.ActivityID = db.activityEntry.ID
	db.sessionmsg.In() <- msg
}

// RecordSessionEnd enters the final accounting for a finished capture.
func RecordSessionEnd(msg *SessionEndMessage) {
	db := singledbconn
	if !db.IsConnected() || msg == nil {
		return
	}
	db.endmsg.In() <- msg
}

func (db *Connection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.Filename, m.Mode, m.Channels, m.SampleRate, formattedStart,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

func (db *Connection) handleEndMessage(m *SessionEndMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessionends VALUES (?, ?, ?, ?, ?)`, nowait,
		m.Filename, m.Bytes, m.Chunks, m.Dropped, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessionends ", err)
		db.err = err
	}
}
