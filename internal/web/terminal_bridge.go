package web

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/shellpulse/internal/logging"
	"github.com/asheshgoplani/shellpulse/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	paneQueueSize  = 256
)

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// paneBridge renders pane output onto a websocket. Render runs on the
// pipeline goroutine and never blocks; a client that falls a full queue
// behind is flagged through overflow and disconnected by the handler.
type paneBridge struct {
	id     session.ID
	writer *wsConnWriter

	queue        chan []byte
	overflow     chan struct{}
	overflowOnce sync.Once
	done         chan struct{}
}

func newPaneBridge(id session.ID, writer *wsConnWriter) *paneBridge {
	return &paneBridge{
		id:       id,
		writer:   writer,
		queue:    make(chan []byte, paneQueueSize),
		overflow: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (b *paneBridge) Render(data []byte) {
	select {
	case b.queue <- data:
	default:
		b.overflowOnce.Do(func() {
			logging.Aggregate(logging.CompWeb, "pane_client_overflow")
			close(b.overflow)
		})
	}
}

// run writes queued output until the queue is closed or a write fails.
func (b *paneBridge) run() {
	defer close(b.done)
	for data := range b.queue {
		if err := b.writer.WriteBinary(data); err != nil {
			return
		}
	}
}

// close stops the writer. The bridge must already be detached from the
// pipeline so Render is no longer called.
func (b *paneBridge) close() {
	close(b.queue)
	<-b.done
}
