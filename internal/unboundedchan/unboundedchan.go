// Package unboundedchan provides a channel pair joined by an elastic
// in-memory buffer. The session ledger puts one in front of its database
// link so that recording start and stop never wait on a slow or absent
// server: messages pile up here and drain whenever the writer catches up.
package unboundedchan

// Chan exposes a send side and a receive side connected through an
// unlimited queue. Closing the send side flushes the backlog to the
// receive side and then closes it. Prefer small or pointer-sized T; the
// backlog holds every value until a reader shows up.
type Chan[T any] struct {
	in  chan T
	out chan T
}

// New creates the pair and starts its pump goroutine.
func New[T any]() *Chan[T] {
	c := &Chan[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go c.pump()
	return c
}

func (c *Chan[T]) pump() {
	defer close(c.out)
	var backlog []T
	for {
		if len(backlog) == 0 {
			v, ok := <-c.in
			if !ok {
				return
			}
			backlog = append(backlog, v)
			continue
		}
		select {
		case c.out <- backlog[0]:
			backlog = backlog[1:]
			if len(backlog) == 0 {
				backlog = nil // drop a drained burst's backing array
			}
		case v, ok := <-c.in:
			if !ok {
				for _, pending := range backlog {
					c.out <- pending
				}
				return
			}
			backlog = append(backlog, v)
		}
	}
}

// In returns the send side. A send blocks only for the moment the pump
// takes to move the value into the backlog, never on the reader.
func (c *Chan[T]) In() chan<- T { return c.in }

// Out returns the receive side.
func (c *Chan[T]) Out() <-chan T { return c.out }
