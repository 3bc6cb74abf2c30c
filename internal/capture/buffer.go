// Package capture collects microphone audio for voice messages.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ent0n29/talkavatar/internal/audio"
	"github.com/ent0n29/talkavatar/internal/protocol"
)

// DefaultMaxBytes bounds one recording; it matches the voice upload cap.
const DefaultMaxBytes = 10 << 20

var (
	ErrRecording    = errors.New("recorder already running")
	ErrNotRecording = errors.New("recorder is not running")
	ErrRateMismatch = errors.New("sample rate changed mid-recording")
	ErrTooLong      = errors.New("recording exceeds size limit")
)

// BufferRecorder accumulates PCM16LE chunks pushed by a remote client (the
// browser UI over the event websocket) between Start and Stop.
type BufferRecorder struct {
	sampleRate int
	maxBytes   int

	mu        sync.Mutex
	recording bool
	rate      int
	pcm       []byte
	lastSeq   int
	dropped   int
}

func NewBufferRecorder(sampleRate, maxBytes int) *BufferRecorder {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &BufferRecorder{sampleRate: sampleRate, maxBytes: maxBytes}
}

func (r *BufferRecorder) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return ErrRecording
	}
	r.recording = true
	r.rate = 0
	r.pcm = r.pcm[:0]
	r.lastSeq = 0
	r.dropped = 0
	return nil
}

// Write appends raw PCM16LE samples. The first write fixes the sample rate.
func (r *BufferRecorder) Write(pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = r.sampleRate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(pcm, sampleRate)
}

// Feed decodes and appends a websocket audio chunk. Chunks that arrive out of
// order are dropped.
func (r *BufferRecorder) Feed(chunk protocol.ClientAudioChunk) error {
	pcm, err := chunk.PCM()
	if err != nil {
		return fmt.Errorf("decode audio chunk: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return ErrNotRecording
	}
	if chunk.Seq > 0 {
		if chunk.Seq <= r.lastSeq {
			r.dropped++
			return nil
		}
		r.lastSeq = chunk.Seq
	}
	return r.appendLocked(pcm, chunk.SampleRate)
}

func (r *BufferRecorder) appendLocked(pcm []byte, sampleRate int) error {
	if !r.recording {
		return ErrNotRecording
	}
	if r.rate == 0 {
		r.rate = sampleRate
	} else if r.rate != sampleRate {
		return fmt.Errorf("%w: %d then %d", ErrRateMismatch, r.rate, sampleRate)
	}
	if len(r.pcm)+len(pcm) > r.maxBytes {
		return ErrTooLong
	}
	r.pcm = append(r.pcm, pcm...)
	return nil
}

// Stop ends the recording and returns what was captured. A trailing odd byte
// is dropped.
func (r *BufferRecorder) Stop() (audio.Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return audio.Clip{}, ErrNotRecording
	}
	r.recording = false
	rate := r.rate
	if rate == 0 {
		rate = r.sampleRate
	}
	n := len(r.pcm) - len(r.pcm)%2
	clip := audio.Clip{PCM: append([]byte(nil), r.pcm[:n]...), SampleRate: rate}
	r.pcm = r.pcm[:0]
	return clip, nil
}

func (r *BufferRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Dropped reports how many out-of-order chunks the current or last
// recording discarded.
func (r *BufferRecorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
