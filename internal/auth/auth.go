package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"vrlink/pkg/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired or already used")
)

// Manager issues and checks headset pairing tokens
type Manager struct {
	tokens map[string]*models.PairingToken // token -> PairingToken
	mu     sync.RWMutex

	// Config
	defaultExpiration time.Duration
	maxExpiration     time.Duration
	now               func() time.Time
}

// New creates a new auth manager. A zero defaultExpiration means 5 minutes.
func New(defaultExpiration time.Duration) *Manager {
	if defaultExpiration <= 0 {
		defaultExpiration = 5 * time.Minute
	}
	return &Manager{
		tokens:            make(map[string]*models.PairingToken),
		defaultExpiration: defaultExpiration,
		maxExpiration:     1 * time.Hour,
		now:               time.Now,
	}
}

// GeneratePairingToken creates a single-use connect token for a headset
func (m *Manager) GeneratePairingToken(deviceName string, expiresIn int, requestIP string) (*models.PairingToken, error) {
	// Generate secure random token
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	tokenString := hex.EncodeToString(tokenBytes)

	expiration := m.defaultExpiration
	if expiresIn > 0 {
		expiration = time.Duration(expiresIn) * time.Second
	}
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	now := m.now()
	token := &models.PairingToken{
		Token:      tokenString,
		DeviceName: deviceName,
		CreatedAt:  now,
		ExpiresAt:  now.Add(expiration),
		RequestIP:  requestIP,
	}

	m.mu.Lock()
	m.tokens[tokenString] = token
	m.mu.Unlock()

	// Drop the token a bit after it expires
	time.AfterFunc(expiration+time.Minute, func() { m.RevokeToken(tokenString) })

	return token, nil
}

// ValidateToken checks a token without consuming it
func (m *Manager) ValidateToken(tokenString string) (*models.PairingToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, exists := m.tokens[tokenString]
	if !exists {
		return nil, ErrInvalidToken
	}
	if !m.validLocked(token) {
		return nil, ErrTokenExpired
	}
	copied := *token
	return &copied, nil
}

// ConsumeToken validates a token and marks it used in one step, so two
// concurrent upgrades cannot share a token.
func (m *Manager) ConsumeToken(tokenString string) (*models.PairingToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.tokens[tokenString]
	if !exists {
		return nil, ErrInvalidToken
	}
	if !m.validLocked(token) {
		return nil, ErrTokenExpired
	}
	token.IsUsed = true
	copied := *token
	return &copied, nil
}

// RevokeToken revokes a token
func (m *Manager) RevokeToken(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, tokenString)
}

// CleanupExpiredTokens removes all expired or used tokens (call periodically)
func (m *Manager) CleanupExpiredTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for tokenString, token := range m.tokens {
		if !m.validLocked(token) {
			delete(m.tokens, tokenString)
			removed++
		}
	}
	return removed
}

// GetTokenCount returns the number of tracked tokens
func (m *Manager) GetTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

func (m *Manager) validLocked(t *models.PairingToken) bool {
	return !t.IsUsed && m.now().Before(t.ExpiresAt)
}
