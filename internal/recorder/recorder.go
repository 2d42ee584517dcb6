// Package recorder manages the voice-note recording lifecycle: acquire an
// audio-only stream, accumulate Opus chunks into a WebM blob, and hand the
// finished note plus its duration to the upload pipeline.
package recorder

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"chatlink/internal/media"
)

var (
	// ErrCallActive means recording was refused because a call holds the
	// media devices.
	ErrCallActive = errors.New("recorder: cannot record during a call")

	// ErrAlreadyRecording means Start was called while a recording is live.
	ErrAlreadyRecording = errors.New("recorder: already recording")

	// ErrNotRecording means Stop was called with nothing in progress.
	ErrNotRecording = errors.New("recorder: not recording")
)

// opusFrameMs is the Opus frame interval produced by the encoder.
const opusFrameMs = 20

// Result is one finished voice note.
type Result struct {
	Data     []byte
	Duration float64 // seconds
	FileName string
	MimeType string
}

// Recorder runs the idle→recording→idle machine. sink receives every
// finished note; Discard bypasses it.
type Recorder struct {
	gw     media.Gateway
	clk    clock.Clock
	busy   func() bool // true while a call holds the devices
	sink   func(Result)
	notify func(level, msg string)

	mu        sync.Mutex
	limit     int // max seconds, 0 = unlimited
	recording bool
	starting  bool
	gen       int
	elapsed   int
	frames    int64
	stream    media.Stream
	reader    media.EncodedReader
	mux       *audioMuxer
	stop      chan struct{}
}

// New creates a recorder. busy gates against an active call; sink receives
// finished notes; notify carries user-visible failures. clk is swappable for
// tests; pass clock.New() in production.
func New(gw media.Gateway, clk clock.Clock, busy func() bool, sink func(Result), notify func(level, msg string)) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	if busy == nil {
		busy = func() bool { return false }
	}
	if notify == nil {
		notify = func(level, msg string) { log.Printf("RECORDER: %s: %s", level, msg) }
	}
	return &Recorder{gw: gw, clk: clk, busy: busy, sink: sink, notify: notify}
}

// SetLimit caps a recording at the given number of seconds; reaching the cap
// stops and delivers the note as if the user had stopped. 0 means unlimited.
func (r *Recorder) SetLimit(seconds int) {
	r.mu.Lock()
	r.limit = seconds
	r.mu.Unlock()
}

// Start acquires the microphone and begins accumulating chunks. Fails fast
// while a call is active; on acquisition failure the recorder stays idle.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.recording || r.starting {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	if r.busy() {
		r.mu.Unlock()
		r.notify("info", "cannot record during a call")
		return ErrCallActive
	}
	r.starting = true
	gen := r.gen
	r.mu.Unlock()

	stream, err := r.gw.Capture(true, false)
	if err != nil {
		r.abortStart()
		r.notify("error", "could not start recording: "+err.Error())
		return fmt.Errorf("capture audio: %w", err)
	}
	reader, err := stream.AudioReader()
	if err != nil {
		stream.Close()
		r.abortStart()
		r.notify("error", "could not start recording: "+err.Error())
		return fmt.Errorf("audio reader: %w", err)
	}

	r.mu.Lock()
	if r.gen != gen {
		// Torn down while the device was being acquired.
		r.starting = false
		r.mu.Unlock()
		reader.Close()
		stream.Close()
		return ErrNotRecording
	}
	r.starting = false
	r.recording = true
	r.elapsed = 0
	r.frames = 0
	r.stream = stream
	r.reader = reader
	r.mux = newAudioMuxer()
	stop := make(chan struct{})
	r.stop = stop
	r.mu.Unlock()

	go r.tickLoop(stop)
	go r.readLoop(reader, stop)
	log.Printf("RECORDER: started")
	return nil
}

func (r *Recorder) abortStart() {
	r.mu.Lock()
	r.starting = false
	r.mu.Unlock()
}

// Stop finalizes the accumulated chunks into one WebM note, releases the
// stream unconditionally and hands the result to the sink.
func (r *Recorder) Stop() error {
	res, err := r.finish()
	if err != nil {
		return err
	}
	log.Printf("RECORDER: stopped — %s (%.0fs, %d bytes)", res.FileName, res.Duration, len(res.Data))
	if r.sink != nil {
		r.sink(res)
	}
	return nil
}

// Discard stops an in-progress recording without uploading. Used on session
// teardown; also invalidates any Start still waiting on device acquisition.
// Idempotent.
func (r *Recorder) Discard() {
	r.mu.Lock()
	r.gen++
	r.mu.Unlock()
	if res, err := r.finish(); err == nil {
		log.Printf("RECORDER: discarded %.0fs", res.Duration)
	}
}

// finish transitions to idle and returns the finalized note.
func (r *Recorder) finish() (Result, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	r.recording = false
	close(r.stop)
	stream, reader, mux, dur := r.stream, r.reader, r.mux, r.elapsed
	r.stream, r.reader, r.mux, r.stop = nil, nil, nil, nil
	r.elapsed = 0
	r.mu.Unlock()

	reader.Close()
	stream.Close()

	return Result{
		Data:     mux.Finalize(),
		Duration: float64(dur),
		FileName: fmt.Sprintf("voice-note-%s.webm", uuid.NewString()),
		MimeType: "audio/webm",
	}, nil
}

// Recording reports whether a recording is live or being started.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording || r.starting
}

// Elapsed returns the current duration in whole seconds.
func (r *Recorder) Elapsed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed
}

// tickLoop advances the duration counter once per second.
func (r *Recorder) tickLoop(stop chan struct{}) {
	ticker := r.clk.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			capped := false
			if r.recording {
				r.elapsed++
				capped = r.limit > 0 && r.elapsed >= r.limit
			}
			r.mu.Unlock()
			if capped {
				r.notify("info", "recording limit reached")
				r.Stop()
				return
			}
		}
	}
}

// readLoop drains encoded Opus chunks into the muxer. An encode error while
// still recording surfaces to the user and forces a stop that keeps whatever
// was captured.
func (r *Recorder) readLoop(reader media.EncodedReader, stop chan struct{}) {
	for {
		data, release, err := reader.Read()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			r.notify("error", "recording failed: "+err.Error())
			r.Stop()
			return
		}
		r.mu.Lock()
		if r.recording && r.mux != nil {
			r.mux.AddFrame(r.frames*opusFrameMs, data)
			r.frames++
		}
		r.mu.Unlock()
		if release != nil {
			release()
		}
	}
}
