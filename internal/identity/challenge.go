package identity

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingChallenge tracks a challenge-response session issued on IDENTIFY.
// The client must sign the nonce with the claimed key before the deadline.
type PendingChallenge struct {
	ChallengeID string
	ConnID      string
	ClaimedName string
	ClaimedKey  string // SPKI PEM
	Nonce       string
	ExpiresAt   time.Time
}

// ChallengeManager owns pending identification challenges. Expired entries
// vanish silently; the connection simply never completes identification.
type ChallengeManager struct {
	mu      sync.Mutex
	byID    map[string]*PendingChallenge
	byConn  map[string]string // connID -> challengeID
	timeout time.Duration
	now     func() time.Time
}

// NewChallengeManager creates a manager with the given challenge timeout.
func NewChallengeManager(timeout time.Duration) *ChallengeManager {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChallengeManager{
		byID:    make(map[string]*PendingChallenge),
		byConn:  make(map[string]string),
		timeout: timeout,
		now:     time.Now,
	}
}

// Issue creates a challenge for a connection, replacing any prior one.
func (cm *ChallengeManager) Issue(connID, name, pubPEM string) *PendingChallenge {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if old, ok := cm.byConn[connID]; ok {
		delete(cm.byID, old)
	}

	ch := &PendingChallenge{
		ChallengeID: "chal_" + uuid.NewString(),
		ConnID:      connID,
		ClaimedName: name,
		ClaimedKey:  pubPEM,
		Nonce:       NewNonce(16),
		ExpiresAt:   cm.now().Add(cm.timeout),
	}
	cm.byID[ch.ChallengeID] = ch
	cm.byConn[connID] = ch.ChallengeID
	return ch
}

// Take removes and returns the challenge if it exists, belongs to the
// connection, and has not expired. A challenge is single-use either way.
func (cm *ChallengeManager) Take(connID, challengeID string) (*PendingChallenge, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	ch, ok := cm.byID[challengeID]
	if !ok || ch.ConnID != connID {
		return nil, false
	}
	delete(cm.byID, challengeID)
	delete(cm.byConn, connID)
	if cm.now().After(ch.ExpiresAt) {
		return nil, false
	}
	return ch, true
}

// Drop removes any pending challenge for a connection (disconnect path).
func (cm *ChallengeManager) Drop(connID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if id, ok := cm.byConn[connID]; ok {
		delete(cm.byID, id)
		delete(cm.byConn, connID)
	}
}

// Sweep discards expired challenges. Called from the server's timer loop.
func (cm *ChallengeManager) Sweep() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := cm.now()
	for id, ch := range cm.byID {
		if now.After(ch.ExpiresAt) {
			delete(cm.byID, id)
			delete(cm.byConn, ch.ConnID)
		}
	}
}
