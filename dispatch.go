package inbox

import "sync"

// mailbox runs queued callbacks one at a time, in order, on its own
// goroutine. It decouples a producer's call stack (a transport read loop)
// from the consumer's handlers.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// push queues fn. It reports false once the mailbox is closed.
func (m *mailbox) push(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// close drops anything not yet run and stops the goroutine.
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.items = nil
	m.mu.Unlock()
	close(m.done)
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			m.mu.Lock()
			if m.closed || len(m.items) == 0 {
				m.mu.Unlock()
				break
			}
			fn := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()
			fn()
		}
	}
}
