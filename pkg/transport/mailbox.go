package transport

import "sync"

// Mailbox runs submitted callbacks one at a time on its own goroutine.
// Posting never blocks; the queue is unbounded.
type Mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []func()
	running bool
	closed  bool
	done    chan struct{}
}

// NewMailbox starts the delivery goroutine
func NewMailbox() *Mailbox {
	m := &Mailbox{done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.loop()
	return m
}

// Post enqueues fn; it is dropped if the mailbox is closed
func (m *Mailbox) Post(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.items = append(m.items, fn)
	m.cond.Signal()
}

// Idle reports whether nothing is queued or running
func (m *Mailbox) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items) == 0 && !m.running
}

// Close stops delivery after the callback in progress and waits for the goroutine
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.items = nil
	m.cond.Broadcast()
	m.mu.Unlock()
	<-m.done
}

func (m *Mailbox) loop() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.items) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		fn := m.items[0]
		m.items[0] = nil
		m.items = m.items[1:]
		m.running = true
		m.mu.Unlock()

		fn()

		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}
}
