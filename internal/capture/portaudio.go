//go:build portaudio

package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/ent0n29/talkavatar/internal/audio"
)

const framesPerBuffer = 512

// PortAudioRecorder records from the default input device. Build with
// -tags portaudio; it needs the PortAudio C library.
type PortAudioRecorder struct {
	buf *BufferRecorder

	mu     sync.Mutex
	stream *portaudio.Stream
	done   chan struct{}
}

func NewPortAudioRecorder(sampleRate int) (*PortAudioRecorder, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &PortAudioRecorder{buf: NewBufferRecorder(sampleRate, 0)}, nil
}

// Start opens the input stream. Capture outlives ctx and runs until Stop.
func (r *PortAudioRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		return ErrRecording
	}
	if err := r.buf.Start(ctx); err != nil {
		return err
	}
	samples := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(r.buf.sampleRate), len(samples), samples)
	if err != nil {
		r.buf.Stop()
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		r.buf.Stop()
		return fmt.Errorf("start input stream: %w", err)
	}
	r.stream = stream
	r.done = make(chan struct{})
	go r.loop(stream, samples, r.done)
	return nil
}

func (r *PortAudioRecorder) loop(stream *portaudio.Stream, samples []int16, done chan struct{}) {
	defer close(done)
	for {
		if err := stream.Read(); err != nil {
			return
		}
		if err := r.buf.Write(audio.PCM16FromSamples(samples), r.buf.sampleRate); err != nil {
			return
		}
	}
}

func (r *PortAudioRecorder) Stop() (audio.Clip, error) {
	r.mu.Lock()
	stream, done := r.stream, r.done
	r.stream, r.done = nil, nil
	r.mu.Unlock()
	if stream == nil {
		return audio.Clip{}, ErrNotRecording
	}
	clip, err := r.buf.Stop()
	stream.Stop()
	<-done
	stream.Close()
	return clip, err
}

func (r *PortAudioRecorder) Recording() bool {
	return r.buf.Recording()
}

// Close releases PortAudio.
func (r *PortAudioRecorder) Close() error {
	if r.Recording() {
		r.Stop()
	}
	return portaudio.Terminate()
}
