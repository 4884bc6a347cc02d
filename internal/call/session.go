package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mbroersen/parley/internal/proto"
)

// Session is one call with one peer. It owns the peer connection, the local
// media tracks and the remote-candidate buffer; the engine routes signaling
// events into it and it emits its own through the engine's signaler.
type Session struct {
	CallID    string
	Direction Direction
	PeerID    string
	PeerName  string

	eng *Engine

	mu          sync.Mutex
	state       State
	pc          *webrtc.PeerConnection
	closeMedia  func()
	startedAt   time.Time
	endedAt     time.Time
	unanswered  *time.Timer
	muted       bool
	cameraOff   bool
	speakerOff  bool
	senders     map[webrtc.RTPCodecType]*webrtc.RTPSender
	localTracks map[webrtc.RTPCodecType]webrtc.TrackLocal
	localQueue  []json.RawMessage
	sinks       map[webrtc.RTPCodecType]TrackSink
	listeners   []func(State)
	torn        bool

	remoteICE candidateBuffer
	done      chan struct{}
}

func newSession(eng *Engine, callID string, dir Direction, peerID, peerName string) *Session {
	return &Session{
		CallID:      callID,
		Direction:   dir,
		PeerID:      peerID,
		PeerName:    peerName,
		eng:         eng,
		state:       StateConnecting,
		senders:     map[webrtc.RTPCodecType]*webrtc.RTPSender{},
		localTracks: map[webrtc.RTPCodecType]webrtc.TrackLocal{},
		sinks:       map[webrtc.RTPCodecType]TrackSink{},
		done:        make(chan struct{}),
	}
}

// State returns the current call status.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed is the call duration, counted from the moment the call became
// Ongoing. Zero before that; frozen once the call ends.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

// OnStateChange registers fn for every subsequent state transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// ToggleMute flips the local microphone and returns the new muted state. The
// outbound audio track is detached while muted; no renegotiation.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	s.muted = !s.muted
	muted := s.muted
	s.mu.Unlock()
	s.setOutbound(webrtc.RTPCodecTypeAudio, !muted)
	log.Printf("CALL [%s]: audio muted=%v", s.CallID, muted)
	return muted
}

// ToggleCamera flips the local camera and returns the new disabled state.
// The outbound video track is detached while disabled; no renegotiation.
func (s *Session) ToggleCamera() bool {
	s.mu.Lock()
	s.cameraOff = !s.cameraOff
	off := s.cameraOff
	s.mu.Unlock()
	s.setOutbound(webrtc.RTPCodecTypeVideo, !off)
	log.Printf("CALL [%s]: camera disabled=%v", s.CallID, off)
	return off
}

// ToggleSpeaker flips remote audio playback and returns the new muted state.
// Remote audio packets are dropped before the sink while muted.
func (s *Session) ToggleSpeaker() bool {
	s.mu.Lock()
	s.speakerOff = !s.speakerOff
	off := s.speakerOff
	s.mu.Unlock()
	log.Printf("CALL [%s]: speaker muted=%v", s.CallID, off)
	return off
}

func (s *Session) speakerMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakerOff
}

// setOutbound attaches or detaches the local track of one kind on its
// sender. The sender stays negotiated; it just goes silent while the track
// is detached. No-op for kinds never captured (receive-only calls).
func (s *Session) setOutbound(kind webrtc.RTPCodecType, enabled bool) {
	s.mu.Lock()
	sender := s.senders[kind]
	track := s.localTracks[kind]
	s.mu.Unlock()
	if sender == nil {
		return
	}
	var repl webrtc.TrackLocal
	if enabled {
		repl = track
	}
	if err := sender.ReplaceTrack(repl); err != nil {
		log.Printf("CALL [%s]: replace %s track: %v", s.CallID, kind, err)
	}
}

// Hangup ends the call locally and tells the peer. Safe to call at any time,
// any number of times.
func (s *Session) Hangup() {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st.Terminal() {
		return
	}
	s.eng.emit(proto.EventCallEnded, proto.CallControl{To: s.PeerID, From: s.eng.self.UserID})
	if st == StateOngoing {
		s.terminate(StateEnded)
	} else {
		s.terminate(StateUnanswered)
	}
}

// setupPC acquires local media, builds the peer connection and wires its
// callbacks. Caller must hold no locks.
func (s *Session) setupPC() error {
	pc, closeMedia, err := initMediaPC(s.CallID, s.eng.cfg)
	if err != nil {
		return fmt.Errorf("media init: %w", err)
	}
	s.adoptPC(pc, closeMedia)
	return nil
}

// adoptPC wires an initialized peer connection into the session: the sender
// table the mute/camera toggles act on, the track handlers and the
// signaling callbacks.
func (s *Session) adoptPC(pc *webrtc.PeerConnection, closeMedia func()) {
	s.mu.Lock()
	s.pc = pc
	s.closeMedia = closeMedia
	for _, sender := range pc.GetSenders() {
		if track := sender.Track(); track != nil {
			s.senders[track.Kind()] = sender
			s.localTracks[track.Kind()] = track
		}
	}
	muted := s.muted
	cameraOff := s.cameraOff
	s.mu.Unlock()

	// Toggles flipped before the media came up still take effect.
	if muted {
		s.setOutbound(webrtc.RTPCodecTypeAudio, false)
	}
	if cameraOff {
		s.setOutbound(webrtc.RTPCodecTypeVideo, false)
	}

	s.attachTrackHandlers(pc)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		s.sendCandidate(data)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: peer connection %s", s.CallID, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.markOngoing()
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			s.peerEnded()
		}
	})
}

// dial runs the outgoing side: offer out, unanswered timer armed.
func (s *Session) dial() error {
	if err := s.setupPC(); err != nil {
		return err
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	data, err := json.Marshal(offer)
	if err != nil {
		return err
	}

	s.eng.emit(proto.EventCallOffer, proto.CallOffer{
		To:         s.PeerID,
		From:       s.eng.self.UserID,
		Offer:      data,
		CallerName: s.eng.self.DisplayName,
	})

	s.mu.Lock()
	s.unanswered = time.AfterFunc(s.eng.cfg.UnansweredTimeout(), s.unansweredTimeout)
	s.mu.Unlock()

	log.Printf("CALL [%s]: calling %s", s.CallID, s.PeerID)
	return nil
}

// answer runs the incoming side after the user accepted: remote offer in,
// answer out, buffered candidates applied.
func (s *Session) answer(offer json.RawMessage) error {
	if err := s.setupPC(); err != nil {
		return err
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.applyCandidates(s.remoteICE.Release())

	ans, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(ans); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	data, err := json.Marshal(ans)
	if err != nil {
		return err
	}

	s.eng.emit(proto.EventCallAccepted, proto.CallAccepted{
		To:     s.PeerID,
		From:   s.eng.self.UserID,
		Answer: data,
	})
	log.Printf("CALL [%s]: answered %s", s.CallID, s.PeerID)
	return nil
}

// handleAnswer applies the peer's answer on the outgoing side. Stray answers
// (wrong direction, call no longer connecting) are ignored.
func (s *Session) handleAnswer(answer json.RawMessage) {
	s.mu.Lock()
	pc := s.pc
	ok := s.Direction == Outgoing && s.state == StateConnecting && pc != nil
	s.mu.Unlock()
	if !ok {
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		log.Printf("CALL [%s]: bad answer: %v", s.CallID, err)
		return
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		log.Printf("CALL [%s]: set remote description: %v", s.CallID, err)
		s.terminate(StateError)
		return
	}
	s.applyCandidates(s.remoteICE.Release())
	s.markOngoing()
}

// addRemoteCandidate applies one remote ICE candidate, buffering it if the
// remote description is not set yet.
func (s *Session) addRemoteCandidate(raw json.RawMessage) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		log.Printf("CALL [%s]: bad ice candidate: %v", s.CallID, err)
		return
	}
	s.applyCandidates(s.remoteICE.Hold(init))
}

func (s *Session) applyCandidates(cands []webrtc.ICECandidateInit) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}
	for _, c := range cands {
		if err := pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: add ice candidate: %v", s.CallID, err)
		}
	}
}

// sendCandidate transmits a local candidate, queuing it while the signaling
// connection is down.
func (s *Session) sendCandidate(data json.RawMessage) {
	sent := s.eng.emit(proto.EventIceCandidate, proto.IceCandidate{
		To:        s.PeerID,
		From:      s.eng.self.UserID,
		Candidate: data,
	})
	if !sent {
		s.mu.Lock()
		s.localQueue = append(s.localQueue, data)
		s.mu.Unlock()
	}
}

// flushLocalCandidates retransmits candidates queued while signaling was
// down, in generation order.
func (s *Session) flushLocalCandidates() {
	s.mu.Lock()
	queued := s.localQueue
	s.localQueue = nil
	s.mu.Unlock()
	for _, data := range queued {
		s.sendCandidate(data)
	}
}

// markOngoing moves the call to Ongoing once, starting the elapsed clock and
// disarming the unanswered timer.
func (s *Session) markOngoing() {
	s.mu.Lock()
	if !canTransition(s.state, StateOngoing) {
		s.mu.Unlock()
		return
	}
	s.state = StateOngoing
	s.startedAt = time.Now()
	if s.unanswered != nil {
		s.unanswered.Stop()
	}
	listeners := make([]func(State), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	log.Printf("CALL [%s]: ongoing with %s", s.CallID, s.PeerID)
	for _, fn := range listeners {
		fn(StateOngoing)
	}
}

// unansweredTimeout fires when the peer never answered.
func (s *Session) unansweredTimeout() {
	s.mu.Lock()
	still := s.state == StateConnecting
	s.mu.Unlock()
	if !still {
		return
	}
	log.Printf("CALL [%s]: no answer from %s", s.CallID, s.PeerID)
	s.eng.emit(proto.EventCallEnded, proto.CallControl{To: s.PeerID, From: s.eng.self.UserID})
	s.terminate(StateUnanswered)
}

// peerEnded handles call_ended from the peer and transport failure alike.
func (s *Session) peerEnded() {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case StateOngoing:
		s.terminate(StateEnded)
	case StateConnecting:
		s.terminate(StateUnanswered)
	}
}

// rejectedByPeer handles call_rejected.
func (s *Session) rejectedByPeer() {
	s.terminate(StateRejected)
}

// terminate is the single teardown path: it fixes the terminal state, stops
// local media, closes the peer connection, cancels timers, releases sinks
// and removes the session from the engine. Idempotent.
func (s *Session) terminate(final State) {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	s.torn = true
	if canTransition(s.state, final) {
		s.state = final
	}
	if !s.startedAt.IsZero() {
		s.endedAt = time.Now()
	}
	if s.unanswered != nil {
		s.unanswered.Stop()
	}
	closeMedia := s.closeMedia
	pc := s.pc
	st := s.state
	listeners := make([]func(State), len(s.listeners))
	copy(listeners, s.listeners)
	s.listeners = nil
	s.mu.Unlock()

	close(s.done)
	if closeMedia != nil {
		closeMedia()
	}
	if pc != nil {
		_ = pc.Close()
	}
	s.closeSinks()
	s.eng.removeSession(s.PeerID)

	log.Printf("CALL [%s]: %s (%s)", s.CallID, st, s.PeerID)
	for _, fn := range listeners {
		fn(st)
	}
}
