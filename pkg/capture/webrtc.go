package capture

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"
)

// TURNServer is relay server configuration passed in by the browser.
type TURNServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ConnectionConfig holds ICE configuration for the microphone link.
type ConnectionConfig struct {
	STUN []string
	TURN []TURNServer
}

// WebRTCSource receives the user's microphone as an Opus track over a
// WebRTC peer connection, decodes it, and emits 16 kHz capture frames. One
// source exists per call session and the session owns its teardown.
type WebRTCSource struct {
	peerConn *webrtc.PeerConnection
	logger   *slog.Logger

	frameCh chan []float32

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebRTCSource creates the peer connection for one microphone link.
func NewWebRTCSource(cfg ConnectionConfig, logger *slog.Logger) (*WebRTCSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rtcConfig := webrtc.Configuration{}
	for _, stunURL := range cfg.STUN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{URLs: []string{stunURL}})
	}
	for _, turn := range cfg.TURN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	// Larger receive MTU and SRTP replay window avoid short-buffer read
	// errors on bursty browser uplinks.
	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	peerConn, err := api.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("capture: failed to create peer connection: %w", err)
	}

	s := &WebRTCSource{
		peerConn: peerConn,
		logger:   logger,
		frameCh:  make(chan []float32, 64),
		closeCh:  make(chan struct{}),
	}

	peerConn.OnTrack(func(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.onTrack(remoteTrack)
	})
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("microphone link state changed", "state", state.String())
	})

	return s, nil
}

// AnswerOffer accepts the browser's SDP offer for its microphone track and
// returns the SDP answer.
func (s *WebRTCSource) AnswerOffer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := s.peerConn.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("capture: failed to set remote description: %w", err)
	}

	answer, err := s.peerConn.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("capture: failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.peerConn)
	if err := s.peerConn.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("capture: failed to set local description: %w", err)
	}
	<-gatherComplete

	return s.peerConn.LocalDescription().SDP, nil
}

// AddICECandidate adds a trickled ICE candidate from the browser.
func (s *WebRTCSource) AddICECandidate(candidate string) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &c); err != nil {
		return fmt.Errorf("capture: failed to parse ICE candidate: %w", err)
	}
	return s.peerConn.AddICECandidate(c)
}

func (s *WebRTCSource) onTrack(remoteTrack *webrtc.TrackRemote) {
	codec := remoteTrack.Codec()
	s.logger.Info("microphone track received",
		"codec", codec.MimeType, "clockRate", codec.ClockRate, "channels", codec.Channels)

	if remoteTrack.Kind() != webrtc.RTPCodecTypeAudio || codec.MimeType != "audio/opus" {
		s.logger.Warn("ignoring non-opus track", "codec", codec.MimeType)
		return
	}

	sampleRate := 48000
	if codec.ClockRate > 0 {
		sampleRate = int(codec.ClockRate)
	}
	channels := 2
	if codec.Channels > 0 {
		channels = int(codec.Channels)
	}

	s.wg.Add(1)
	go s.readAndDecode(remoteTrack, sampleRate, channels)
}

// readAndDecode reads RTP packets, decodes Opus to PCM, downmixes to mono,
// and pushes the samples through the resample/frame pipeline.
func (s *WebRTCSource) readAndDecode(track *webrtc.TrackRemote, sampleRate, channels int) {
	defer s.wg.Done()

	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		s.logger.Error("failed to create opus decoder", "error", err, "channels", channels)
		return
	}

	pipe, err := newPipeline(sampleRate, s.logger)
	if err != nil {
		s.logger.Error("failed to create capture pipeline", "error", err)
		return
	}

	// Max 120ms at 48kHz per channel.
	pcmBuf := make([]float32, 5760*channels)

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		rtpPacket, _, err := track.ReadRTP()
		if err != nil {
			if !s.isClosed() {
				s.logger.Warn("microphone track read failed", "error", err)
			}
			return
		}
		if len(rtpPacket.Payload) == 0 {
			continue
		}

		n, err := decoder.DecodeFloat32(rtpPacket.Payload, pcmBuf)
		if err != nil {
			s.logger.Debug("opus decode error", "error", err, "payloadLen", len(rtpPacket.Payload))
			continue
		}
		if n == 0 {
			continue
		}

		// Clamp: DecodeFloat32 can overshoot [-1, 1] during transients.
		total := n * channels
		for i := 0; i < total; i++ {
			if pcmBuf[i] > 1.0 {
				pcmBuf[i] = 1.0
			} else if pcmBuf[i] < -1.0 {
				pcmBuf[i] = -1.0
			}
		}

		mono := make([]float32, n)
		if channels == 1 {
			copy(mono, pcmBuf[:n])
		} else {
			for i := 0; i < n; i++ {
				var sum float32
				for ch := 0; ch < channels; ch++ {
					sum += pcmBuf[i*channels+ch]
				}
				mono[i] = sum / float32(channels)
			}
		}

		for _, frame := range pipe.push(mono) {
			select {
			case s.frameCh <- frame:
			case <-s.closeCh:
				return
			default:
				// Drop under backpressure rather than stall the RTP reader.
				s.logger.Warn("capture frame channel full, dropping frame")
			}
		}
	}
}

func (s *WebRTCSource) isClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Frames returns the capture frame channel.
func (s *WebRTCSource) Frames() <-chan []float32 {
	return s.frameCh
}

// Close tears down the track reader and the peer connection, then closes
// the frame channel.
func (s *WebRTCSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.peerConn.Close()
		s.wg.Wait()
		close(s.frameCh)
	})
	return err
}
