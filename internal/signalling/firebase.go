package signalling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hostfs/internal/config"
	"hostfs/pkg/utils"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// codeLength is the number of characters in a session code.
const codeLength = 8

// FirebaseClient stores sessions under sessions/<code> in a Realtime Database.
type FirebaseClient struct {
	db  *db.Client
	ref *db.Ref

	answerTimeout time.Duration
	pollInterval  time.Duration
}

func NewFirebaseClient(ctx context.Context, cfg *config.FirebaseConfig, rtc *config.WebRTCConfig) (*FirebaseClient, error) {
	opt := option.WithCredentialsFile(cfg.CredentialsPath)

	firebaseConfig := &firebase.Config{
		ProjectID:   cfg.ProjectID,
		DatabaseURL: cfg.DatabaseURL,
	}

	app, err := firebase.NewApp(ctx, firebaseConfig, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	return &FirebaseClient{
		db:            client,
		ref:           client.NewRef("sessions"),
		answerTimeout: rtc.AnswerTimeout,
		pollInterval:  rtc.PollInterval,
	}, nil
}

// Session represents a signaling session data
// Offers carry all ICE candidates (no trickle ICE).
type Session struct {
	ID     string `json:"sessionId"`
	Offer  string `json:"offer"`
	Answer string `json:"answer"`
}

func (f *FirebaseClient) CreateSession(ctx context.Context, offer string) (string, error) {
	code, err := utils.GenerateCode(codeLength)
	if err != nil {
		return "", fmt.Errorf("error generating session code: %w", err)
	}

	sessionData := map[string]any{
		"sessionId": code,
		"offer":     offer,
		"answer":    "",
	}
	if err := f.ref.Child(code).Set(ctx, sessionData); err != nil {
		return "", fmt.Errorf("error creating session: %w", err)
	}
	return code, nil
}

// getSession loads a session, failing with ErrSessionNotFound when absent.
func (f *FirebaseClient) getSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := f.ref.Child(sessionID).Get(ctx, &session); err != nil {
		return nil, fmt.Errorf("error fetching session %s: %w", sessionID, err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return &session, nil
}

func (f *FirebaseClient) UpdateAnswer(ctx context.Context, sessionID, answer string) error {
	if _, err := f.getSession(ctx, sessionID); err != nil {
		return err
	}

	updates := map[string]any{
		"answer": answer,
	}
	if err := f.ref.Child(sessionID).Update(ctx, updates); err != nil {
		return fmt.Errorf("error updating answer for session %s: %w", sessionID, err)
	}
	return nil
}

// WaitForAnswer polls the session until an answer appears, the answer
// timeout passes or ctx is done.
func (f *FirebaseClient) WaitForAnswer(ctx context.Context, sessionID string) (string, error) {
	if _, err := f.getSession(ctx, sessionID); err != nil {
		return "", err
	}

	deadline := time.NewTimer(f.answerTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	sessionRef := f.ref.Child(sessionID)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrAnswerTimeout
		case <-ticker.C:
		}

		var sessionData struct {
			Answer string `json:"answer"`
		}
		if err := sessionRef.Get(ctx, &sessionData); err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "signalling",
				"session":   sessionID,
				"error":     err.Error(),
			}).Warn("Failed to poll for answer")
			continue
		}
		if sessionData.Answer != "" {
			return sessionData.Answer, nil
		}
	}
}

func (f *FirebaseClient) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := f.getSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		// Already gone is fine for cleanup.
		return nil
	}
	if err != nil {
		return err
	}
	if err := f.ref.Child(sessionID).Delete(ctx); err != nil {
		return fmt.Errorf("error deleting session %s: %w", sessionID, err)
	}
	return nil
}

func (f *FirebaseClient) GetOffer(ctx context.Context, sessionID string) (string, error) {
	session, err := f.getSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Offer == "" {
		return "", fmt.Errorf("%w: %s has no offer", ErrSessionNotFound, sessionID)
	}
	return session.Offer, nil
}
