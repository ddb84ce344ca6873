package identity

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingVerification is one inter-agent nonce-signing session: the
// requester asks the relay to challenge the target; the target signs the
// nonce; the relay reports the outcome to the requester.
type PendingVerification struct {
	VerificationID string
	RequesterID    string
	TargetID       string
	Nonce          string
	ExpiresAt      time.Time
}

// VerificationManager owns pending inter-agent verifications.
type VerificationManager struct {
	mu      sync.Mutex
	byID    map[string]*PendingVerification
	timeout time.Duration
	now     func() time.Time
}

// NewVerificationManager creates a manager with the given timeout.
func NewVerificationManager(timeout time.Duration) *VerificationManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VerificationManager{
		byID:    make(map[string]*PendingVerification),
		timeout: timeout,
		now:     time.Now,
	}
}

// Open starts a verification of target on behalf of requester.
func (vm *VerificationManager) Open(requesterID, targetID string) *PendingVerification {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	pv := &PendingVerification{
		VerificationID: "ver_" + uuid.NewString(),
		RequesterID:    requesterID,
		TargetID:       targetID,
		Nonce:          NewNonce(16),
		ExpiresAt:      vm.now().Add(vm.timeout),
	}
	vm.byID[pv.VerificationID] = pv
	return pv
}

// Take consumes a verification if the responder is its target and the
// session has not expired. expired=true distinguishes a late response
// from an unknown id.
func (vm *VerificationManager) Take(verificationID, responderID string) (pv *PendingVerification, expired bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	pv, ok := vm.byID[verificationID]
	if !ok || pv.TargetID != responderID {
		return nil, false
	}
	delete(vm.byID, verificationID)
	if vm.now().After(pv.ExpiresAt) {
		return nil, true
	}
	return pv, false
}

// DropAgent cancels all sessions involving an agent (disconnect path).
func (vm *VerificationManager) DropAgent(agentID string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for id, pv := range vm.byID {
		if pv.RequesterID == agentID || pv.TargetID == agentID {
			delete(vm.byID, id)
		}
	}
}

// Sweep discards expired sessions.
func (vm *VerificationManager) Sweep() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	now := vm.now()
	for id, pv := range vm.byID {
		if now.After(pv.ExpiresAt) {
			delete(vm.byID, id)
		}
	}
}
