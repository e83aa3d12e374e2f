package signalling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hostfs/pkg/utils"
)

// MemoryServer is an in-process SignalingServer for a host and controller
// running in the same process, used by tests and local loopback setups.
type MemoryServer struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	timeout  time.Duration
}

type memorySession struct {
	offer    string
	answer   string
	answered chan struct{}
}

// NewMemoryServer creates an empty store; answers are awaited up to timeout.
func NewMemoryServer(timeout time.Duration) *MemoryServer {
	return &MemoryServer{
		sessions: make(map[string]*memorySession),
		timeout:  timeout,
	}
}

func (m *MemoryServer) CreateSession(ctx context.Context, offer string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		code, err := utils.GenerateCode(codeLength)
		if err != nil {
			return "", fmt.Errorf("error generating session code: %w", err)
		}
		if _, taken := m.sessions[code]; taken {
			continue
		}
		m.sessions[code] = &memorySession{offer: offer, answered: make(chan struct{})}
		return code, nil
	}
}

func (m *MemoryServer) GetOffer(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s.offer, nil
}

func (m *MemoryServer) UpdateAnswer(ctx context.Context, sessionID, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.answer != "" {
		return fmt.Errorf("session %s already answered", sessionID)
	}
	s.answer = answer
	close(s.answered)
	return nil
}

func (m *MemoryServer) WaitForAnswer(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-s.answered:
		m.mu.Lock()
		defer m.mu.Unlock()
		return s.answer, nil
	case <-timer.C:
		return "", ErrAnswerTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *MemoryServer) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// Len returns the number of stored sessions.
func (m *MemoryServer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
