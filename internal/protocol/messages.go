package protocol

import (
	"fmt"
	"strings"
	"time"
)

// PlaybackStatus enumerates the states a tab's audio pipeline can be in.
type PlaybackStatus string

const (
	StatusLoading   PlaybackStatus = "loading"
	StatusBuffering PlaybackStatus = "buffering"
	StatusPlaying   PlaybackStatus = "playing"
	StatusPaused    PlaybackStatus = "paused"
	StatusStopped   PlaybackStatus = "stopped"
)

// PlaybackState is the canonical description of a tab's audio session. The
// owning tab mutates it; every other context holds read-only copies.
type PlaybackState struct {
	HasAudio      bool           `json:"has_audio"`
	Website       string         `json:"website"`
	Description   string         `json:"description"`
	AudioTime     float64        `json:"audio_time"`
	AudioDuration float64        `json:"audio_duration"`
	Status        PlaybackStatus `json:"playback_state"`
	TabID         int            `json:"tab_id"`
	Error         string         `json:"error,omitempty"`
}

// EmptyState is the reset shape a player returns to after stop or natural end.
func EmptyState(tabID int) PlaybackState {
	return PlaybackState{Status: StatusStopped, TabID: tabID}
}

// StateUpdate wraps a PlaybackState broadcast on SubjectStateBroadcast.
type StateUpdate struct {
	State     PlaybackState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}

// Command names a transport action routed through the coordinator.
type Command string

const (
	CommandPlay    Command = "play"
	CommandPause   Command = "pause"
	CommandStop    Command = "stop"
	CommandRestart Command = "restart"
)

// ValidCommand reports whether c is one of the routed transport commands.
func ValidCommand(c Command) bool {
	switch c {
	case CommandPlay, CommandPause, CommandStop, CommandRestart:
		return true
	}
	return false
}

// CommandRequest asks the coordinator to forward a transport command to the
// active tab.
type CommandRequest struct {
	Command Command `json:"command"`
}

// SeekRequest carries an absolute position in seconds.
type SeekRequest struct {
	Time float64 `json:"time"`
}

// LoadRequest starts a new audio session. TabID selects the target when the
// request goes through the coordinator; on a tab subject it is informational.
type LoadRequest struct {
	TabID       int    `json:"tab_id"`
	Text        string `json:"text"`
	Website     string `json:"website"`
	Description string `json:"description"`
	AutoPlay    bool   `json:"auto_play"`
}

// Ack is the uniform reply for commands. A failed operation reports its cause
// in Error; raw Go errors never cross the bus.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StateReply answers state queries. State is nil when no tab owns playback.
type StateReply struct {
	State *PlaybackState `json:"state"`
	Error string         `json:"error,omitempty"`
}

// ExtractRequest asks a tab to produce readable text, optionally scoped to
// the given selectors.
type ExtractRequest struct {
	Selectors []string `json:"selectors,omitempty"`
}

// ExtractReply returns the extracted text and a display title for it.
type ExtractReply struct {
	Text  string `json:"text"`
	Title string `json:"title,omitempty"`
	Error string `json:"error,omitempty"`
}

// Rule scopes extraction for a website to a set of selectors.
type Rule struct {
	Website     string   `json:"website"`
	Selectors   []string `json:"selectors"`
	Description string   `json:"description,omitempty"`
}

// HelloRequest registers a tab agent and asks for its tab id.
type HelloRequest struct {
	InstanceID string    `json:"instance_id"`
	Label      string    `json:"label,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// HelloReply carries the assigned tab id.
type HelloReply struct {
	TabID int `json:"tab_id"`
}

// Heartbeat keeps a registered tab alive.
type Heartbeat struct {
	TabID     int       `json:"tab_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TabClosed announces that a tab is gone, either by explicit goodbye or by
// heartbeat expiry.
type TabClosed struct {
	TabID     int       `json:"tab_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TabInfo describes a registered tab for listings.
type TabInfo struct {
	TabID    int       `json:"tab_id"`
	Label    string    `json:"label,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// HistoryRequest asks the coordinator for recent playback sessions.
type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// HistorySession is one journal entry in a history reply.
type HistorySession struct {
	SessionID string    `json:"session_id"`
	TabID     int       `json:"tab_id"`
	Website   string    `json:"website"`
	CreatedAt time.Time `json:"created_at"`
}

// PortMessageType discriminates stream-port envelopes.
type PortMessageType string

const (
	PortStart PortMessageType = "start"
	PortAbort PortMessageType = "abort"
	PortChunk PortMessageType = "chunk"
	PortDone  PortMessageType = "done"
	PortError PortMessageType = "error"
)

// PortMessage is the envelope exchanged on a stream port. start and abort
// travel on the ctrl subject; chunk, done and error on the data subject.
type PortMessage struct {
	Type  PortMessageType `json:"type"`
	Text  string          `json:"text,omitempty"`
	TabID int             `json:"tab_id,omitempty"`
	Data  []byte          `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

const (
	SubjectStateBroadcast = "audio.state"
	SubjectCommand        = "ctrl.audio.command"
	SubjectSeekCommand    = "ctrl.audio.seek"
	SubjectLoadCommand    = "ctrl.audio.load"
	SubjectGlobalState    = "ctrl.audio.global"
	SubjectHistory        = "ctrl.audio.history"
	SubjectTabHello       = "ctrl.tab.hello"
	SubjectTabBye         = "ctrl.tab.bye"
	SubjectTabClosed      = "ctrl.tab.closed"
	SubjectTabList        = "ctrl.tab.list"

	SubjectTabHeartbeatPrefix = "ctrl.tab.heartbeat"
	SubjectTabAudioWildcard   = "tab.%d.audio.*"

	// StreamPortPrefix is the only port namespace the gateway serves; ctrl
	// traffic for any other name is ignored.
	StreamPortPrefix = "audio-stream-"
)

// Verbs carried as the last token of a tab audio subject.
const (
	TabAudioLoad     = "load"
	TabAudioPlay     = "play"
	TabAudioPause    = "pause"
	TabAudioStop     = "stop"
	TabAudioRestart  = "restart"
	TabAudioSeek     = "seek"
	TabAudioGetState = "getstate"
)

func TabAudioSubject(tabID int, verb string) string {
	return fmt.Sprintf("tab.%d.audio.%s", tabID, verb)
}

func TabAudioSubscription(tabID int) string {
	return fmt.Sprintf(SubjectTabAudioWildcard, tabID)
}

func TabExtractSubject(tabID int) string {
	return fmt.Sprintf("tab.%d.extract", tabID)
}

func TabHeartbeatSubject(tabID int) string {
	return fmt.Sprintf("%s.%d", SubjectTabHeartbeatPrefix, tabID)
}

// NewStreamPortName derives a unique port name from the creation time.
func NewStreamPortName() string {
	return fmt.Sprintf("%s%d", StreamPortPrefix, time.Now().UnixNano())
}

func StreamCtrlSubject(port string) string {
	return fmt.Sprintf("stream.audio.%s.ctrl", port)
}

func StreamDataSubject(port string) string {
	return fmt.Sprintf("stream.audio.%s.data", port)
}

// StreamCtrlWildcard matches the ctrl side of every stream port.
const StreamCtrlWildcard = "stream.audio.*.ctrl"

// PortFromSubject pulls the port name out of a stream subject. The empty
// string means the subject is not a stream port subject.
func PortFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != "stream" || parts[1] != "audio" {
		return ""
	}
	return parts[2]
}

// SubjectVerb returns the last token of a subject.
func SubjectVerb(subject string) string {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 {
		return subject
	}
	return subject[idx+1:]
}
