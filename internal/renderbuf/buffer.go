// Package renderbuf holds output for render panes that are not currently on
// screen and hands it over in one write when the pane is shown.
package renderbuf

import (
	"log/slog"

	"github.com/asheshgoplani/shellpulse/internal/logging"
	"github.com/asheshgoplani/shellpulse/internal/session"
)

var renderLog = logging.ForComponent(logging.CompRender)

// DefaultMaxBytes is the per-pane buffer cap.
const DefaultMaxBytes = 50_000

// Renderer receives pane output. Render is called on the pipeline goroutine
// and must not block.
type Renderer interface {
	Render(data []byte)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(data []byte)

func (f RendererFunc) Render(data []byte) { f(data) }

type pane struct {
	chunks   [][]byte
	size     int
	renderer Renderer
}

// Buffer tracks every open pane, at most one of which is active. Output for
// the active pane goes straight to its renderer once one is attached;
// everything else is buffered up to the byte cap.
//
// Buffer is not safe for concurrent use.
type Buffer struct {
	maxBytes int
	lowWater int
	panes    map[session.ID]*pane
	active   session.ID
}

// New creates a buffer. maxBytes <= 0 means DefaultMaxBytes. Eviction brings
// a pane back down to 80% of the cap.
func New(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Buffer{
		maxBytes: maxBytes,
		lowWater: maxBytes * 4 / 5,
		panes:    make(map[session.ID]*pane),
	}
}

// Open registers a pane. Opening an existing pane is a no-op.
func (b *Buffer) Open(id session.ID) {
	if _, ok := b.panes[id]; !ok {
		b.panes[id] = &pane{}
	}
}

// IsOpen reports whether id is a registered pane.
func (b *Buffer) IsOpen(id session.ID) bool {
	_, ok := b.panes[id]
	return ok
}

// Write routes a raw chunk for pane id. Chunks for unknown panes are
// ignored. The chunk is copied when buffered.
func (b *Buffer) Write(id session.ID, chunk []byte) {
	p, ok := b.panes[id]
	if !ok || len(chunk) == 0 {
		return
	}
	if b.active == id && p.renderer != nil {
		p.renderer.Render(chunk)
		return
	}

	c := make([]byte, len(chunk))
	copy(c, chunk)
	p.chunks = append(p.chunks, c)
	p.size += len(c)
	if p.size > b.maxBytes {
		b.evict(id, p)
	}
}

// evict drops the oldest whole chunks until the pane is at or below the low
// water mark. The newest chunk is never dropped; if it alone exceeds the
// cap only its tail is kept.
func (b *Buffer) evict(id session.ID, p *pane) {
	dropped := 0
	for p.size > b.lowWater && len(p.chunks) > 1 {
		dropped += len(p.chunks[0])
		p.size -= len(p.chunks[0])
		p.chunks[0] = nil
		p.chunks = p.chunks[1:]
	}
	if last := p.chunks[len(p.chunks)-1]; len(p.chunks) == 1 && len(last) > b.maxBytes {
		cut := len(last) - b.lowWater
		dropped += cut
		p.chunks[0] = append([]byte(nil), last[cut:]...)
		p.size = b.lowWater
	}
	logging.Aggregate(logging.CompRender, "pane_evicted",
		slog.String("session", id.String()),
		slog.Int("dropped_bytes", dropped))
}

// Attach sets the renderer for pane id. If the pane is active its buffered
// output is flushed to the renderer immediately as one write.
func (b *Buffer) Attach(id session.ID, r Renderer) {
	p, ok := b.panes[id]
	if !ok {
		return
	}
	p.renderer = r
	if b.active == id {
		b.flushTo(p)
	}
}

// Detach removes the renderer for pane id. Output is buffered again until a
// new renderer is attached.
func (b *Buffer) Detach(id session.ID) {
	if p, ok := b.panes[id]; ok {
		p.renderer = nil
	}
}

// Activate makes id the active pane, deactivating the previous one. If id
// has a renderer its buffered output is flushed as one write.
func (b *Buffer) Activate(id session.ID) {
	p, ok := b.panes[id]
	if !ok {
		return
	}
	b.active = id
	if p.renderer != nil {
		b.flushTo(p)
	}
}

// Deactivate clears the active pane if it is id.
func (b *Buffer) Deactivate(id session.ID) {
	if b.active == id {
		b.active = 0
	}
}

// Active returns the active pane, or 0 if none.
func (b *Buffer) Active() session.ID { return b.active }

func (b *Buffer) flushTo(p *pane) {
	if data := take(p); len(data) > 0 {
		p.renderer.Render(data)
	}
}

// Flush returns the buffered output for id in original order and clears it.
func (b *Buffer) Flush(id session.ID) []byte {
	p, ok := b.panes[id]
	if !ok {
		return nil
	}
	return take(p)
}

func take(p *pane) []byte {
	if p.size == 0 {
		return nil
	}
	out := make([]byte, 0, p.size)
	for _, c := range p.chunks {
		out = append(out, c...)
	}
	p.chunks = nil
	p.size = 0
	return out
}

// Buffered returns the number of bytes held for id.
func (b *Buffer) Buffered(id session.ID) int {
	if p, ok := b.panes[id]; ok {
		return p.size
	}
	return 0
}

// Purge forgets pane id and everything buffered for it.
func (b *Buffer) Purge(id session.ID) {
	p, ok := b.panes[id]
	if !ok {
		return
	}
	if p.size > 0 {
		renderLog.Debug("pane_purged",
			slog.String("session", id.String()),
			slog.Int("discarded_bytes", p.size))
	}
	delete(b.panes, id)
	if b.active == id {
		b.active = 0
	}
}
