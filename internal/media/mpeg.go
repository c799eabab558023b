package media

import (
	"encoding/binary"
	"errors"
)

// MPEG audio version/layer/bitrate lookup tables (ISO 11172-3 / 13818-3).
var bitrateTable = [2][3][16]int{
	{ // MPEG-1: Layer I, II, III (kbps)
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
	},
	{ // MPEG-2/2.5: Layer I, II, III (kbps)
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
	},
}

var sampleRateTable = [3][4]int{
	{44100, 48000, 32000, 0}, // MPEG-1
	{22050, 24000, 16000, 0}, // MPEG-2
	{11025, 12000, 8000, 0},  // MPEG-2.5
}

// syncScanLimit bounds how much unrecognized data the parser tolerates
// before declaring the stream undecodable.
const syncScanLimit = 8192

var ErrNoFrames = errors.New("media: no valid MPEG frame found")

// FrameParser walks MPEG audio frames across chunk boundaries and accumulates
// the playable duration they represent. Partial frames are buffered until the
// next Feed completes them.
type FrameParser struct {
	leftover []byte
	skipped  int
	started  bool

	Frames   int
	Bytes    int64
	Duration float64
}

// Feed consumes the next chunk and returns the duration added by the frames
// it completed. An ID3v2 tag at the very start of the stream is skipped.
func (p *FrameParser) Feed(data []byte) (float64, error) {
	p.Bytes += int64(len(data))
	p.leftover = append(p.leftover, data...)

	if !p.started {
		if len(p.leftover) < 10 {
			return 0, nil
		}
		if string(p.leftover[:3]) == "ID3" {
			// Synchsafe integer (4 bytes, 7 bits each)
			tagSize := int(p.leftover[6])<<21 | int(p.leftover[7])<<14 | int(p.leftover[8])<<7 | int(p.leftover[9])
			total := 10 + tagSize
			if len(p.leftover) < total {
				return 0, nil
			}
			p.leftover = p.leftover[total:]
		}
		p.started = true
	}

	var added float64
	buf := p.leftover
	i := 0
	for i+4 <= len(buf) {
		if buf[i] != 0xFF || buf[i+1]&0xE0 != 0xE0 {
			i++
			p.skipped++
			continue
		}
		hdr := binary.BigEndian.Uint32(buf[i : i+4])
		size, secs, ok := parseFrameHeader(hdr)
		if !ok {
			i++
			p.skipped++
			continue
		}
		if i+size > len(buf) {
			break // partial frame, wait for the next chunk
		}
		i += size
		p.Frames++
		p.Duration += secs
		added += secs
	}

	remaining := len(buf) - i
	copy(buf, buf[i:])
	p.leftover = buf[:remaining]

	if p.Frames == 0 && p.skipped > syncScanLimit {
		return added, ErrNoFrames
	}
	return added, nil
}

// parseFrameHeader decodes one 4-byte frame header into its total frame size
// and playback duration.
func parseFrameHeader(hdr uint32) (size int, secs float64, ok bool) {
	versionBits := (hdr >> 19) & 0x03 // 0=2.5, 1=reserved, 2=2, 3=1
	layerBits := (hdr >> 17) & 0x03   // 1=III, 2=II, 3=I
	bitrateIdx := (hdr >> 12) & 0x0F
	sampleIdx := (hdr >> 10) & 0x03
	padding := int((hdr >> 9) & 0x01)

	if versionBits == 1 || layerBits == 0 || bitrateIdx == 0 || bitrateIdx == 15 || sampleIdx == 3 {
		return 0, 0, false
	}

	versionIdx := 0 // bitrate table row: 0 for MPEG-1, 1 for MPEG-2/2.5
	sampleVersion := 0
	switch versionBits {
	case 3:
		versionIdx, sampleVersion = 0, 0
	case 2:
		versionIdx, sampleVersion = 1, 1
	case 0:
		versionIdx, sampleVersion = 1, 2
	}
	layerIdx := int(3 - layerBits) // 0=Layer I, 1=Layer II, 2=Layer III

	bitrate := bitrateTable[versionIdx][layerIdx][bitrateIdx] * 1000
	sampleRate := sampleRateTable[sampleVersion][sampleIdx]
	if bitrate == 0 || sampleRate == 0 {
		return 0, 0, false
	}

	var samples int
	switch layerIdx {
	case 0:
		samples = 384
	case 1:
		samples = 1152
	case 2:
		if versionIdx == 0 {
			samples = 1152
		} else {
			samples = 576
		}
	}

	if layerIdx == 0 {
		size = (12*bitrate/sampleRate + padding) * 4
	} else {
		size = samples/8*bitrate/sampleRate + padding
	}
	if size < 4 {
		return 0, 0, false
	}
	return size, float64(samples) / float64(sampleRate), true
}

// ProbeDuration sums the frame durations of a complete buffer. Returns 0 for
// data with no recognizable frames.
func ProbeDuration(data []byte) float64 {
	p := &FrameParser{}
	_, _ = p.Feed(data)
	return p.Duration
}
