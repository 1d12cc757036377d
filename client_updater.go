package audiard

// Contains the client updater, which publishes JSON-encoded messages
// giving the latest AUDIARD state.

import (
	"encoding/json"
	"fmt"
	"log"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket to publish any information that clients need to know.
// Each update goes out as a two-frame message: topic tag, then JSON state.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		log.Printf("could not create status socket: %v", err)
		return
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err = pubSocket.Bind(hostname); err != nil {
		log.Printf("could not bind status socket to %s: %v", hostname, err)
		return
	}

	// Remember the most recent message per tag, so a new client can ask
	// for the whole state with one SENDALL.
	lastMessages := make(map[string][]byte)

	for update := range messages {
		if update.tag == "SENDALL" {
			for tag, msg := range lastMessages {
				if _, err := pubSocket.SendMessage(tag, msg); err != nil {
					log.Printf("zmq send of cached %s failed: %v", tag, err)
				}
			}
			continue
		}

		message, err := json.Marshal(update.state)
		if err != nil {
			ProblemLogger.Printf("could not JSON-marshal a %s update: %v", update.tag, err)
			continue
		}
		lastMessages[update.tag] = message
		UpdateLogger.Printf("%s %s", update.tag, message)
		if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
			log.Printf("zmq send of %s failed: %v", update.tag, err)
		}
	}
}
