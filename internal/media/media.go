// Package media wraps local camera/microphone acquisition behind a small
// gateway so the call and recorder state machines never touch device APIs
// directly. The real capture path uses pion/mediadevices and is build-tagged;
// other platforms get a receive-only stub.
package media

import "errors"

// Kind identifies a track's media type.
type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

var (
	// ErrNoDevices means capture is unavailable on this platform or no
	// usable camera/microphone was found.
	ErrNoDevices = errors.New("media: no capture devices available")

	// ErrNoTrack means the stream holds no track of the requested kind.
	ErrNoTrack = errors.New("media: no such track")
)

// Track is one local capture track. SetEnabled mutes or unmutes it without
// releasing the device; Stop releases it for good.
type Track interface {
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool) error
	Stop()
}

// EncodedReader yields encoded media chunks from a live track. release must
// be called after each chunk is consumed.
type EncodedReader interface {
	Read() (data []byte, release func(), err error)
	Close() error
}

// Stream is the result of one capture: a set of live local tracks.
type Stream interface {
	Tracks() []Track

	// Track returns the first track of the given kind.
	Track(kind Kind) (Track, bool)

	// Publish attaches every track to the peer connection for sending.
	Publish(pc PeerConnection) error

	// AudioReader returns an Opus-encoded reader on the audio track, used by
	// the voice-note recorder.
	AudioReader() (EncodedReader, error)

	// Close stops every track unconditionally. Idempotent.
	Close()
}

// Gateway acquires local media and builds peer connections that share the
// capture codec configuration.
type Gateway interface {
	// Capture acquires a local stream with the requested kinds. Audio-only
	// and audio+video are the two shapes the session engine uses.
	Capture(audio, video bool) (Stream, error)

	// NewPeerConnection creates a peer connection configured with the given
	// STUN/TURN server URLs and the gateway's codec set.
	NewPeerConnection(iceServers []string) (PeerConnection, error)
}
