package player

import (
	"sync"

	"github.com/autovoice/autovoice-core/internal/media"
)

// fakeElement drives the player from tests: the test emits media events by
// hand and inspects the transport calls the player made.
type fakeElement struct {
	mu          sync.Mutex
	handler     func(media.Event)
	supports    bool
	playErr     error
	playCalls   int
	pauseCalls  int
	detachCalls int
	position    float64
	duration    float64
	seeks       []float64
	clip        []byte
	clipErr     error
	src         *fakeSource
}

func newFakeElement(supports bool) *fakeElement {
	return &fakeElement{supports: supports}
}

func (f *fakeElement) OpenMediaSource() (media.MediaSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.supports {
		return nil, media.ErrMediaSourceUnsupported
	}
	f.src = &fakeSource{elem: f, buffer: &fakeBuffer{appends: make(chan []byte, 64)}}
	return f.src, nil
}

func (f *fakeElement) SetClip(data []byte) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clipErr != nil {
		return 0, f.clipErr
	}
	f.clip = append([]byte(nil), data...)
	return f.duration, nil
}

func (f *fakeElement) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.playCalls++
	return nil
}

func (f *fakeElement) Pause() {
	f.mu.Lock()
	f.pauseCalls++
	f.mu.Unlock()
}

func (f *fakeElement) Seek(seconds float64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seconds < 0 {
		seconds = 0
	}
	f.seeks = append(f.seeks, seconds)
	f.position = seconds
	return seconds
}

func (f *fakeElement) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *fakeElement) Duration() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

func (f *fakeElement) Detach() {
	f.mu.Lock()
	f.detachCalls++
	f.src = nil
	f.clip = nil
	f.position = 0
	f.duration = 0
	f.mu.Unlock()
}

func (f *fakeElement) Subscribe(handler func(media.Event)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeElement) SupportsMediaSource() bool { return f.supports }

func (f *fakeElement) Close() {}

func (f *fakeElement) emit(evt media.Event) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(evt)
	}
}

func (f *fakeElement) plays() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playCalls
}

func (f *fakeElement) source() *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.src
}

func (f *fakeElement) clipData() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.clip...)
}

type fakeSource struct {
	mu     sync.Mutex
	elem   *fakeElement
	buffer *fakeBuffer
	ended  bool
}

func (s *fakeSource) NewSegmentBuffer(mimeType string) (media.SegmentBuffer, error) {
	if mimeType != "audio/mpeg" {
		return nil, media.ErrUnsupportedType
	}
	return s.buffer, nil
}

func (s *fakeSource) EndOfStream() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *fakeSource) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

type fakeBuffer struct {
	mu        sync.Mutex
	appending bool
	buffered  float64
	appends   chan []byte
}

func (b *fakeBuffer) Append(data []byte) error {
	b.mu.Lock()
	if b.appending {
		b.mu.Unlock()
		return media.ErrAppendInFlight
	}
	b.appending = true
	b.mu.Unlock()
	b.appends <- append([]byte(nil), data...)
	return nil
}

func (b *fakeBuffer) Appending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appending
}

func (b *fakeBuffer) Buffered() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered
}

// complete finishes the in-flight append, growing the buffered extent by
// secs, and delivers the append-end event.
func (b *fakeBuffer) complete(elem *fakeElement, secs float64) {
	b.mu.Lock()
	b.appending = false
	b.buffered += secs
	b.mu.Unlock()

	elem.mu.Lock()
	elem.duration += secs
	elem.mu.Unlock()

	elem.emit(media.Event{Kind: media.EventAppendEnd})
}
