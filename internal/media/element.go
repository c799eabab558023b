package media

import (
	"sync"
	"time"
)

// Options configure a clock element.
type Options struct {
	// ClockInterval is the position tick; timeupdate events fire at this
	// cadence while playing.
	ClockInterval time.Duration
	// EnableMediaSource gates progressive mode; when false only clips work.
	EnableMediaSource bool
}

// clockElement advances playback position against the wall clock and derives
// buffered extents from MPEG frame parsing. It stands in for a platform audio
// device: transport, position and events behave like the real thing while the
// decoded samples go nowhere.
type clockElement struct {
	opts    Options
	events  chan Event
	done    chan struct{}
	stopped sync.Once

	mu      sync.Mutex
	handler func(Event)
	src     *mediaSource
	clip    *clip
	pos     float64
	playing bool
	waiting bool
}

type clip struct {
	duration float64
}

// NewElement returns a clock-driven Element. Close releases its goroutines.
func NewElement(opts Options) Element {
	if opts.ClockInterval <= 0 {
		opts.ClockInterval = 100 * time.Millisecond
	}
	e := &clockElement{
		opts:   opts,
		events: make(chan Event, 128),
		done:   make(chan struct{}),
	}
	go e.dispatch()
	go e.clock()
	return e
}

func (e *clockElement) dispatch() {
	for {
		select {
		case <-e.done:
			return
		case evt := <-e.events:
			e.mu.Lock()
			handler := e.handler
			e.mu.Unlock()
			if handler != nil {
				handler(evt)
			}
		}
	}
}

func (e *clockElement) clock() {
	ticker := time.NewTicker(e.opts.ClockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *clockElement) tick() {
	e.mu.Lock()
	if !e.playing || (e.src == nil && e.clip == nil) {
		e.mu.Unlock()
		return
	}
	end := e.bufferedEndLocked()
	ended := e.endedLocked()
	e.pos += e.opts.ClockInterval.Seconds()

	var events []Event
	if e.pos >= end {
		e.pos = end
		if ended {
			e.playing = false
			e.waiting = false
			events = append(events,
				Event{Kind: EventTimeUpdate, Position: e.pos},
				Event{Kind: EventEnded, Position: e.pos})
		} else if !e.waiting {
			// Caught up with the stream; stall until more data arrives.
			e.waiting = true
			events = append(events, Event{Kind: EventWaiting, Position: e.pos})
		}
	} else {
		if e.waiting {
			e.waiting = false
			events = append(events, Event{Kind: EventCanPlay, Position: e.pos})
		}
		events = append(events, Event{Kind: EventTimeUpdate, Position: e.pos})
	}
	e.mu.Unlock()

	for _, evt := range events {
		if evt.Kind == EventTimeUpdate {
			e.emitDroppable(evt)
		} else {
			e.emit(evt)
		}
	}
}

func (e *clockElement) bufferedEndLocked() float64 {
	if e.clip != nil {
		return e.clip.duration
	}
	if e.src != nil {
		return e.src.bufferedEnd()
	}
	return 0
}

func (e *clockElement) endedLocked() bool {
	if e.clip != nil {
		return true
	}
	if e.src != nil {
		return e.src.isEnded()
	}
	return false
}

func (e *clockElement) emit(evt Event) {
	select {
	case e.events <- evt:
	case <-e.done:
	}
}

// emitDroppable sheds events when the handler lags; only safe for
// timeupdate, which the next tick re-delivers anyway.
func (e *clockElement) emitDroppable(evt Event) {
	select {
	case e.events <- evt:
	default:
	}
}

func (e *clockElement) OpenMediaSource() (MediaSource, error) {
	if !e.opts.EnableMediaSource {
		return nil, ErrMediaSourceUnsupported
	}
	e.mu.Lock()
	e.detachLocked()
	src := &mediaSource{elem: e}
	e.src = src
	e.mu.Unlock()

	// Async so callers may invoke element methods while holding their own
	// locks without ever blocking on event delivery.
	go e.emit(Event{Kind: EventSourceOpen})
	return src, nil
}

func (e *clockElement) SetClip(data []byte) (float64, error) {
	duration := ProbeDuration(data)
	if duration <= 0 {
		return 0, ErrNoFrames
	}
	e.mu.Lock()
	e.detachLocked()
	e.clip = &clip{duration: duration}
	e.mu.Unlock()

	go e.emit(Event{Kind: EventCanPlay})
	return duration, nil
}

func (e *clockElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.src == nil && e.clip == nil {
		return ErrNoSource
	}
	if e.pos >= e.bufferedEndLocked() && e.endedLocked() {
		// Playing again from the end restarts, like a fresh play() on a
		// finished element.
		e.pos = 0
	}
	e.playing = true
	return nil
}

func (e *clockElement) Pause() {
	e.mu.Lock()
	e.playing = false
	e.mu.Unlock()
}

func (e *clockElement) Seek(seconds float64) float64 {
	e.mu.Lock()
	end := e.bufferedEndLocked()
	if seconds < 0 {
		seconds = 0
	}
	if seconds > end {
		seconds = end
	}
	e.pos = seconds
	e.waiting = false
	e.mu.Unlock()

	e.emitDroppable(Event{Kind: EventTimeUpdate, Position: seconds})
	return seconds
}

func (e *clockElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

func (e *clockElement) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bufferedEndLocked()
}

func (e *clockElement) Detach() {
	e.mu.Lock()
	e.detachLocked()
	e.mu.Unlock()
}

func (e *clockElement) detachLocked() {
	if e.src != nil {
		e.src.markClosed()
		e.src = nil
	}
	e.clip = nil
	e.pos = 0
	e.playing = false
	e.waiting = false
}

func (e *clockElement) Subscribe(handler func(Event)) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

func (e *clockElement) SupportsMediaSource() bool {
	return e.opts.EnableMediaSource
}

func (e *clockElement) Close() {
	e.Detach()
	e.stopped.Do(func() { close(e.done) })
}

type mediaSource struct {
	elem *clockElement

	mu      sync.Mutex
	buffers []*segmentBuffer
	ended   bool
	closed  bool
}

func (m *mediaSource) NewSegmentBuffer(mimeType string) (SegmentBuffer, error) {
	if mimeType != "audio/mpeg" {
		return nil, ErrUnsupportedType
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrSourceDetached
	}
	buffer := &segmentBuffer{src: m, parser: &FrameParser{}}
	m.buffers = append(m.buffers, buffer)
	return buffer, nil
}

func (m *mediaSource) EndOfStream() {
	m.mu.Lock()
	m.ended = true
	m.mu.Unlock()
}

func (m *mediaSource) isEnded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

func (m *mediaSource) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mediaSource) markClosed() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *mediaSource) bufferedEnd() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var end float64
	for _, b := range m.buffers {
		if buffered := b.Buffered(); buffered > end {
			end = buffered
		}
	}
	return end
}

type segmentBuffer struct {
	src    *mediaSource
	parser *FrameParser

	mu        sync.Mutex
	appending bool
	buffered  float64
	bytes     int64
}

func (b *segmentBuffer) Append(data []byte) error {
	b.mu.Lock()
	if b.appending {
		b.mu.Unlock()
		return ErrAppendInFlight
	}
	b.appending = true
	b.mu.Unlock()

	chunk := append([]byte(nil), data...)
	go b.process(chunk)
	return nil
}

func (b *segmentBuffer) process(chunk []byte) {
	if b.src.isClosed() {
		b.mu.Lock()
		b.appending = false
		b.mu.Unlock()
		b.src.elem.emit(Event{Kind: EventError, Err: ErrSourceDetached})
		return
	}

	added, err := b.parser.Feed(chunk)

	b.mu.Lock()
	b.appending = false
	b.buffered += added
	b.bytes += int64(len(chunk))
	b.mu.Unlock()

	if err != nil {
		b.src.elem.emit(Event{Kind: EventError, Err: err})
		return
	}
	b.src.elem.emit(Event{Kind: EventAppendEnd})
}

func (b *segmentBuffer) Appending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appending
}

func (b *segmentBuffer) Buffered() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered
}
