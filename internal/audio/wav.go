package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultSampleRate is used when a capture source does not report one.
const DefaultSampleRate = 16000

var ErrNotWAV = errors.New("not a RIFF/WAVE stream")

// Clip is a captured mono PCM16LE recording.
type Clip struct {
	PCM        []byte
	SampleRate int
}

// Duration is the playback length of the clip.
func (c Clip) Duration() time.Duration {
	rate := c.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	samples := len(c.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// Empty reports whether the clip holds no complete sample.
func (c Clip) Empty() bool {
	return len(c.PCM) < 2
}

// WAV packages the clip as a WAV file body.
func (c Clip) WAV() ([]byte, error) {
	return EncodeWAVPCM16LE(c.PCM, c.SampleRate)
}

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	FmtID         [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataID        [4]byte
	DataSize      uint32
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + uint32(len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * numChannels * bitsPerSample / 8),
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// WAVInfo describes the format of a WAV body.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataBytes     int
}

// Duration derived from the data chunk size.
func (i WAVInfo) Duration() time.Duration {
	frame := i.Channels * i.BitsPerSample / 8
	if frame <= 0 || i.SampleRate <= 0 {
		return 0
	}
	frames := i.DataBytes / frame
	return time.Duration(frames) * time.Second / time.Duration(i.SampleRate)
}

// InspectWAV walks the RIFF chunks of data and returns its format. Only the
// header chunks are read; sample data is not validated.
func InspectWAV(data []byte) (WAVInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotWAV
	}
	var info WAVInfo
	haveFmt := false
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return WAVInfo{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			info.DataBytes = size
			if remaining := len(data) - body; info.DataBytes > remaining {
				info.DataBytes = remaining
			}
			return info, nil
		}
		// Chunks are word aligned.
		pos = body + size + size%2
	}
	return WAVInfo{}, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
}

// PCM16FromSamples serialises int16 samples as little-endian bytes.
func PCM16FromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
