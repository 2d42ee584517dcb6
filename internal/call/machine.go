// Package call implements the peer-to-peer call signaling state machine for
// one conversation: offer/answer/ICE exchange over the realtime channel and
// the full call lifecycle with mandatory, idempotent teardown. Coupling to
// the channel layer is via the Signaler interface only.
package call

import (
	"errors"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"chatlink/internal/channel"
	"chatlink/internal/media"
)

// Status is the call lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusCalling  Status = "calling"  // outbound, awaiting answer
	StatusIncoming Status = "incoming" // inbound offer stored, awaiting accept/reject
	StatusOngoing  Status = "ongoing"  // media flowing
)

// RingKind distinguishes the two ring indications. Purely presentational.
type RingKind string

const (
	RingIncoming RingKind = "incoming"
	RingOutgoing RingKind = "outgoing"
)

var (
	// ErrBusy means a call transition was refused because one is already
	// in progress.
	ErrBusy = errors.New("call: already in a call")

	// ErrRecordingActive means the voice-note recorder holds the devices.
	ErrRecordingActive = errors.New("call: recording in progress")

	// ErrNoIncoming means Accept or Reject was called with no stored offer.
	ErrNoIncoming = errors.New("call: no incoming call")

	// errAborted is returned internally when a transition was cancelled by
	// teardown while awaiting media acquisition.
	errAborted = errors.New("call: aborted during setup")
)

// Signaler is the only surface the call package needs from the realtime
// layer. channel.Conn satisfies it.
type Signaler interface {
	Emit(event string, payload any) error
}

// Identity names the local party in outbound offers.
type Identity struct {
	ID        string
	FirstName string
}

// Machine is the per-conversation call state machine. All inbound handlers
// and user actions funnel through its mutex; async device/negotiation
// completions re-check liveness via a generation counter before applying
// effects, so a remote hangup racing a local accept is harmless.
type Machine struct {
	self       Identity
	partnerID  string
	gw         media.Gateway
	sig        Signaler
	iceServers []string
	busy       func() bool // true while the recorder holds the devices
	notify     func(level, msg string)

	mu           sync.Mutex
	status       Status
	isVideo      bool
	gen          int
	pc           media.PeerConnection
	stream       media.Stream
	enabled      map[media.Kind]bool
	pendingOffer *channel.ReceiveCallPayload

	onChange      func(Status)
	onRemoteTrack func(*webrtc.TrackRemote)
	ringer        func(kind RingKind, active bool)
}

// New creates an idle machine for the (self, partnerID) pair.
func New(self Identity, partnerID string, gw media.Gateway, sig Signaler, iceServers []string, busy func() bool, notify func(level, msg string)) *Machine {
	if busy == nil {
		busy = func() bool { return false }
	}
	if notify == nil {
		notify = func(level, msg string) { log.Printf("CALL [%s]: %s: %s", partnerID, level, msg) }
	}
	return &Machine{
		self:       self,
		partnerID:  partnerID,
		gw:         gw,
		sig:        sig,
		iceServers: iceServers,
		busy:       busy,
		notify:     notify,
		status:     StatusIdle,
		enabled:    defaultEnabled(),
	}
}

func defaultEnabled() map[media.Kind]bool {
	return map[media.Kind]bool{media.Audio: true, media.Video: true}
}

// Status returns the current lifecycle state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Active reports whether the machine holds or is acquiring call resources.
// The recorder uses it as its mutual-exclusion gate.
func (m *Machine) Active() bool {
	return m.Status() != StatusIdle
}

// IsVideo reports whether the current call carries video.
func (m *Machine) IsVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isVideo
}

// Enabled reports the local enabled flag for a media kind.
func (m *Machine) Enabled(kind media.Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[kind]
}

// PendingCaller returns the identity behind a stored incoming offer.
func (m *Machine) PendingCaller() (channel.Caller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingOffer == nil {
		return channel.Caller{}, false
	}
	return m.pendingOffer.Caller, true
}

// OnStatusChange registers a presentation callback fired after every
// transition.
func (m *Machine) OnStatusChange(fn func(Status)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// OnRemoteTrack registers the consumer of inbound remote media tracks.
func (m *Machine) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	m.mu.Lock()
	m.onRemoteTrack = fn
	m.mu.Unlock()
}

// SetRinger registers the ring-indication hook (incoming/outgoing ringtones).
func (m *Machine) SetRinger(fn func(kind RingKind, active bool)) {
	m.mu.Lock()
	m.ringer = fn
	m.mu.Unlock()
}

// Start initiates an outbound call. Fails fast when non-idle or while
// recording; on any setup failure every partially acquired resource is
// released and the machine reverts to idle.
func (m *Machine) Start(video bool) error {
	m.mu.Lock()
	if m.status != StatusIdle {
		m.mu.Unlock()
		m.notify("info", "already in a call")
		return ErrBusy
	}
	if m.busy() {
		m.mu.Unlock()
		m.notify("info", "stop recording before starting a call")
		return ErrRecordingActive
	}
	m.status = StatusCalling
	m.isVideo = video
	gen := m.gen
	m.mu.Unlock()

	m.changed(StatusCalling)
	m.ring(RingOutgoing, true)

	pc, _, err := m.setupLocal(gen, video, m.partnerID)
	if err != nil {
		if !errors.Is(err, errAborted) {
			m.notify("error", "could not start call: check permissions and devices")
			m.teardown(false)
		}
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		log.Printf("CALL [%s]: offer failed: %v", m.partnerID, err)
		m.notify("error", "could not start call")
		m.teardown(false)
		return err
	}
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return errAborted
	}
	m.mu.Unlock()

	m.sig.Emit(channel.EventCallUser, channel.CallUserPayload{
		CalleeID: m.partnerID,
		Offer:    channel.SessionDescription{Type: "offer", SDP: offer.SDP},
		Caller:   channel.Caller{ID: m.self.ID, FirstName: m.self.FirstName},
		IsVideo:  video,
	})
	log.Printf("CALL [%s]: calling (video=%v)", m.partnerID, video)
	return nil
}

// HandleReceiveCall processes an inbound offer. A second offer while
// non-idle is declined immediately.
func (m *Machine) HandleReceiveCall(p channel.ReceiveCallPayload) {
	m.mu.Lock()
	if m.status != StatusIdle {
		m.mu.Unlock()
		m.sig.Emit(channel.EventRejectCall, channel.RejectCallPayload{CallerID: p.Caller.ID})
		return
	}
	m.status = StatusIncoming
	m.isVideo = p.IsVideo
	offer := p
	m.pendingOffer = &offer
	m.mu.Unlock()

	m.changed(StatusIncoming)
	m.ring(RingIncoming, true)
	log.Printf("CALL [%s]: incoming from %s (video=%v)", m.partnerID, p.Caller.ID, p.IsVideo)
}

// Accept answers the stored incoming offer. Fails fast while recording; the
// offer stays pending so the user can stop recording and accept again.
func (m *Machine) Accept() error {
	m.mu.Lock()
	if m.status != StatusIncoming || m.pendingOffer == nil {
		m.mu.Unlock()
		return ErrNoIncoming
	}
	if m.busy() {
		m.mu.Unlock()
		m.notify("info", "stop recording before accepting a call")
		return ErrRecordingActive
	}
	offer := *m.pendingOffer
	gen := m.gen
	m.mu.Unlock()

	m.ring(RingIncoming, false)

	pc, _, err := m.setupLocal(gen, offer.IsVideo, offer.Caller.ID)
	if err != nil {
		if !errors.Is(err, errAborted) {
			m.notify("error", "could not accept call: check permissions and devices")
			m.teardown(false)
		}
		return err
	}

	err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.Offer.SDP,
	})
	var answer webrtc.SessionDescription
	if err == nil {
		answer, err = pc.CreateAnswer(nil)
	}
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		log.Printf("CALL [%s]: answer failed: %v", m.partnerID, err)
		m.notify("error", "could not accept call")
		m.teardown(false)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return errAborted
	}
	m.status = StatusOngoing
	m.pendingOffer = nil
	m.mu.Unlock()

	m.sig.Emit(channel.EventAnswerCall, channel.AnswerCallPayload{
		CallerID: offer.Caller.ID,
		Answer:   channel.SessionDescription{Type: "answer", SDP: answer.SDP},
	})
	m.changed(StatusOngoing)
	log.Printf("CALL [%s]: accepted call from %s", m.partnerID, offer.Caller.ID)
	return nil
}

// Reject declines the stored incoming offer and returns to idle.
func (m *Machine) Reject() error {
	m.mu.Lock()
	if m.status != StatusIncoming || m.pendingOffer == nil {
		m.mu.Unlock()
		return ErrNoIncoming
	}
	callerID := m.pendingOffer.Caller.ID
	m.pendingOffer = nil
	m.status = StatusIdle
	m.enabled = defaultEnabled()
	m.mu.Unlock()

	m.ring(RingIncoming, false)
	m.sig.Emit(channel.EventRejectCall, channel.RejectCallPayload{CallerID: callerID})
	m.changed(StatusIdle)
	log.Printf("CALL [%s]: rejected call from %s", m.partnerID, callerID)
	return nil
}

// HandleAnswered processes the callee's answer while calling.
func (m *Machine) HandleAnswered(p channel.CallAnsweredPayload) {
	m.mu.Lock()
	if m.status != StatusCalling || m.pc == nil {
		m.mu.Unlock()
		return
	}
	pc := m.pc
	m.mu.Unlock()

	m.ring(RingOutgoing, false)
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  p.Answer.SDP,
	}); err != nil {
		log.Printf("CALL [%s]: set answer failed: %v", m.partnerID, err)
		m.notify("error", "failed to establish call connection")
		m.Teardown()
		return
	}

	m.mu.Lock()
	if m.status == StatusCalling {
		m.status = StatusOngoing
	}
	m.mu.Unlock()
	m.changed(StatusOngoing)
	log.Printf("CALL [%s]: answered", m.partnerID)
}

// HandleRemoteICE adds one trickled candidate. Candidates arriving outside a
// peer connection's lifetime are dropped silently — they are expected around
// call setup and teardown, not an error.
func (m *Machine) HandleRemoteICE(p channel.ICECandidatePayload) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil || p.Candidate.Candidate == "" {
		return
	}
	init := webrtc.ICECandidateInit{
		Candidate:        p.Candidate.Candidate,
		SDPMid:           p.Candidate.SDPMid,
		SDPMLineIndex:    p.Candidate.SDPMLineIndex,
		UsernameFragment: p.Candidate.UsernameFragment,
	}
	if err := pc.AddICECandidate(init); err != nil {
		log.Printf("CALL [%s]: add candidate failed: %v", m.partnerID, err)
	}
}

// HandleEnded processes a remote hangup from any non-idle state.
func (m *Machine) HandleEnded() {
	if m.Status() == StatusIdle {
		return
	}
	m.teardown(false)
	m.notify("info", "call ended")
}

// HandleRejected processes the callee declining an outbound call.
func (m *Machine) HandleRejected() {
	if m.Status() != StatusCalling {
		return
	}
	m.teardown(false)
	m.notify("info", "partner is busy or rejected your call")
}

// End hangs up locally. The peer is notified only when a call was actually
// established or being established.
func (m *Machine) End() {
	m.teardown(true)
}

// Teardown releases everything without notifying the peer beyond the
// end-call rule. Safe to call from any state, any number of times.
func (m *Machine) Teardown() {
	m.teardown(true)
}

// teardown is the single exit path to idle: stop every local track, close
// the peer connection, reset flags, and invalidate in-flight setup.
func (m *Machine) teardown(notifyPeer bool) {
	m.mu.Lock()
	prev := m.status
	m.gen++
	pc, stream := m.pc, m.stream
	m.pc, m.stream = nil, nil
	m.pendingOffer = nil
	m.status = StatusIdle
	m.enabled = defaultEnabled()
	m.mu.Unlock()

	m.ring(RingIncoming, false)
	m.ring(RingOutgoing, false)

	if stream != nil {
		stream.Close()
	}
	if pc != nil {
		pc.Close()
	}

	if notifyPeer && (prev == StatusCalling || prev == StatusOngoing) {
		m.sig.Emit(channel.EventEndCall, channel.EndCallPayload{PartnerID: m.partnerID})
	}
	if prev != StatusIdle {
		m.changed(StatusIdle)
		log.Printf("CALL [%s]: torn down (was %s)", m.partnerID, prev)
	}
}

// ToggleMedia flips the enabled flag on the first local track of the given
// kind. No effect on signaling state.
func (m *Machine) ToggleMedia(kind media.Kind) error {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream == nil {
		m.notify("error", "cannot toggle "+string(kind)+": no local stream")
		return media.ErrNoTrack
	}
	track, ok := stream.Track(kind)
	if !ok {
		m.notify("error", "no "+string(kind)+" track to toggle")
		return media.ErrNoTrack
	}
	next := !track.Enabled()
	if err := track.SetEnabled(next); err != nil {
		return err
	}
	m.mu.Lock()
	m.enabled[kind] = next
	m.mu.Unlock()
	log.Printf("CALL [%s]: %s enabled=%v", m.partnerID, kind, next)
	return nil
}

// setupLocal acquires local media and a wired peer connection for a call with
// targetID. Returns errAborted (with nothing held) when teardown invalidated
// the transition while the device call was in flight.
func (m *Machine) setupLocal(gen int, video bool, targetID string) (media.PeerConnection, media.Stream, error) {
	stream, err := m.gw.Capture(true, video)
	if err != nil {
		return nil, nil, err
	}
	pc, err := m.gw.NewPeerConnection(m.iceServers)
	if err != nil {
		stream.Close()
		return nil, nil, err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		stream.Close()
		pc.Close()
		return nil, nil, errAborted
	}
	m.pc = pc
	m.stream = stream
	m.enabled = map[media.Kind]bool{media.Audio: true, media.Video: video}
	m.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		m.sig.Emit(channel.EventICECandidate, channel.ICECandidatePayload{
			TargetUserID: targetID,
			Candidate: channel.ICECandidateInit{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			},
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.mu.Lock()
		fn := m.onRemoteTrack
		m.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			m.mu.Lock()
			stale := m.pc == nil || m.gen != gen
			m.mu.Unlock()
			if !stale {
				log.Printf("CALL [%s]: connection state %s, tearing down", m.partnerID, state)
				m.teardown(true)
			}
		}
	})

	if err := stream.Publish(pc); err != nil {
		m.teardown(false)
		return nil, nil, err
	}
	return pc, stream, nil
}

func (m *Machine) changed(s Status) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (m *Machine) ring(kind RingKind, active bool) {
	m.mu.Lock()
	fn := m.ringer
	m.mu.Unlock()
	if fn != nil {
		fn(kind, active)
	}
}
