// Package media models the audio playback surface a tab drives: one element,
// fed either progressively through a media source with a segment buffer, or
// in one piece as a clip. Position advances on a wall clock; durations come
// from parsing the MPEG frames that were appended.
//
// The element reports everything through named transition events delivered on
// a single dispatch goroutine. Handlers are never invoked while an element
// lock is held, so they may call back into the element freely.
package media

import "errors"

type EventKind string

const (
	EventSourceOpen EventKind = "sourceopen"
	EventAppendEnd  EventKind = "appendend"
	EventTimeUpdate EventKind = "timeupdate"
	EventWaiting    EventKind = "waiting"
	EventCanPlay    EventKind = "canplay"
	EventEnded      EventKind = "ended"
	EventError      EventKind = "error"
)

// Event is one named transition input from the element.
type Event struct {
	Kind     EventKind
	Position float64
	Err      error
}

var (
	ErrNoSource               = errors.New("media: no source attached")
	ErrSourceDetached         = errors.New("media: source detached")
	ErrAppendInFlight         = errors.New("media: append already in progress")
	ErrUnsupportedType        = errors.New("media: unsupported source type")
	ErrMediaSourceUnsupported = errors.New("media: media source not supported")
)

// Element is the playback device a player drives. Implementations emit
// events asynchronously after the call that caused them returns.
type Element interface {
	// OpenMediaSource attaches a fresh streaming source, replacing any
	// current source. EventSourceOpen follows once the source is ready.
	OpenMediaSource() (MediaSource, error)
	// SetClip attaches a fully buffered track and returns its duration.
	// EventCanPlay follows.
	SetClip(data []byte) (float64, error)
	Play() error
	Pause()
	// Seek clamps to the playable range and returns the applied position.
	Seek(seconds float64) float64
	CurrentTime() float64
	// Duration is the buffered-extent approximation while a stream is open
	// and the exact length once it has ended.
	Duration() float64
	// Detach drops the current source and resets the position. An append
	// still in flight surfaces EventError with ErrSourceDetached.
	Detach()
	Subscribe(handler func(Event))
	SupportsMediaSource() bool
	Close()
}

// MediaSource accepts progressive appends for an open element source.
type MediaSource interface {
	NewSegmentBuffer(mimeType string) (SegmentBuffer, error)
	// EndOfStream marks the source complete; the duration becomes exact.
	EndOfStream()
}

// SegmentBuffer serializes appends: exactly one may be in flight, and its
// completion is signalled by EventAppendEnd.
type SegmentBuffer interface {
	Append(data []byte) error
	Appending() bool
	Buffered() float64
}
