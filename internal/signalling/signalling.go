// Package signalling pairs a controller with a host over WebRTC by exchanging
// SDP descriptions through a shared store, keyed by a short session code.
package signalling

import (
	"context"
	"errors"
	"fmt"

	"hostfs/internal/config"
	"hostfs/pkg/utils"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	// ErrSessionNotFound is returned for unknown or already deleted session codes.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAnswerTimeout is returned when no controller answered a published offer in time.
	ErrAnswerTimeout = errors.New("timeout waiting for answer")
)

// SignalingServer defines the interface for signaling storage operations
type SignalingServer interface {
	CreateSession(ctx context.Context, offer string) (sessionID string, err error)
	GetOffer(ctx context.Context, sessionID string) (offer string, err error)
	UpdateAnswer(ctx context.Context, sessionID, answer string) error
	WaitForAnswer(ctx context.Context, sessionID string) (answer string, err error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// SignalingService runs both halves of the offer/answer exchange. The host
// publishes offers; controllers answer them.
type SignalingService struct {
	server SignalingServer
}

func NewSignalingService(server SignalingServer) *SignalingService {
	return &SignalingService{server: server}
}

// NewDefaultSignalingService creates a service backed by Firebase.
func NewDefaultSignalingService(ctx context.Context, cfg *config.Config) (*SignalingService, error) {
	server, err := NewFirebaseClient(ctx, &cfg.Firebase, &cfg.WebRTC)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase client: %w", err)
	}
	return NewSignalingService(server), nil
}

// PublishOffer creates the local offer for peerConn, waits for ICE gathering
// and stores it. The returned code identifies the session for the controller.
func (s *SignalingService) PublishOffer(ctx context.Context, peerConn *webrtc.PeerConnection) (string, error) {
	offer, err := peerConn.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := peerConn.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	encodedOffer, err := localDescription(ctx, peerConn)
	if err != nil {
		return "", err
	}

	code, err := s.server.CreateSession(ctx, encodedOffer)
	if err != nil {
		return "", fmt.Errorf("failed to create session with offer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"component": "signalling",
		"session":   code,
	}).Debug("Offer published")
	return code, nil
}

// AwaitAnswer waits for the controller's answer to the offer stored under
// code and applies it. The session is deleted afterwards in every case.
func (s *SignalingService) AwaitAnswer(ctx context.Context, peerConn *webrtc.PeerConnection, code string) error {
	defer func() {
		// The caller's context may already be cancelled.
		if err := s.server.DeleteSession(context.WithoutCancel(ctx), code); err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "signalling",
				"session":   code,
				"error":     err.Error(),
			}).Warn("Failed to delete session")
		}
	}()

	answer, err := s.server.WaitForAnswer(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to wait for answer: %w", err)
	}

	answerSD, err := utils.Decode[webrtc.SessionDescription](answer)
	if err != nil {
		return fmt.Errorf("failed to decode answer SDP: %w", err)
	}
	if err := peerConn.SetRemoteDescription(answerSD); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// Answer fetches the offer stored under code, answers it and stores the answer.
func (s *SignalingService) Answer(ctx context.Context, peerConn *webrtc.PeerConnection, code string) error {
	encodedOffer, err := s.server.GetOffer(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to get offer from session: %w", err)
	}

	offerSD, err := utils.Decode[webrtc.SessionDescription](encodedOffer)
	if err != nil {
		return fmt.Errorf("failed to decode offer SDP: %w", err)
	}
	if err := peerConn.SetRemoteDescription(offerSD); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := peerConn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	encodedAnswer, err := localDescription(ctx, peerConn)
	if err != nil {
		return err
	}

	if err := s.server.UpdateAnswer(ctx, code, encodedAnswer); err != nil {
		return fmt.Errorf("failed to upload answer: %w", err)
	}
	return nil
}

// localDescription waits for ICE gathering and returns the encoded local
// description with all candidates included.
func localDescription(ctx context.Context, peerConn *webrtc.PeerConnection) (string, error) {
	select {
	case <-webrtc.GatheringCompletePromise(peerConn):
	case <-ctx.Done():
		return "", fmt.Errorf("failed to wait for ICE gathering: %w", ctx.Err())
	}

	desc := peerConn.LocalDescription()
	if desc == nil {
		return "", fmt.Errorf("local description is nil after ICE gathering")
	}

	encoded, err := utils.Encode(*desc)
	if err != nil {
		return "", fmt.Errorf("failed to encode SDP: %w", err)
	}
	return encoded, nil
}
