package identity

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxCaptchaAttempts is the retry budget before the connection is closed.
const MaxCaptchaAttempts = 3

// PendingCaptcha tracks a captcha session for a keyless registration. The
// staged name is applied once the captcha passes.
type PendingCaptcha struct {
	CaptchaID  string
	ConnID     string
	Question   string
	Answer     string
	Alternates []string
	StagedName string
	ExpiresAt  time.Time
	Attempts   int
}

// CaptchaManager issues and checks arithmetic/lexical captchas. At most
// one pending captcha per connection.
type CaptchaManager struct {
	mu      sync.Mutex
	byID    map[string]*PendingCaptcha
	byConn  map[string]string
	timeout time.Duration
	now     func() time.Time
	rng     *rand.Rand
}

// NewCaptchaManager creates a manager with the given session timeout.
func NewCaptchaManager(timeout time.Duration) *CaptchaManager {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &CaptchaManager{
		byID:    make(map[string]*PendingCaptcha),
		byConn:  make(map[string]string),
		timeout: timeout,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Issue creates a captcha for a connection, replacing any prior one.
func (cm *CaptchaManager) Issue(connID, stagedName string) *PendingCaptcha {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if old, ok := cm.byConn[connID]; ok {
		delete(cm.byID, old)
	}

	q, answer, alternates := cm.generate()
	pc := &PendingCaptcha{
		CaptchaID:  "cap_" + uuid.NewString(),
		ConnID:     connID,
		Question:   q,
		Answer:     answer,
		Alternates: alternates,
		StagedName: stagedName,
		ExpiresAt:  cm.now().Add(cm.timeout),
	}
	cm.byID[pc.CaptchaID] = pc
	cm.byConn[connID] = pc.CaptchaID
	return pc
}

// Result of a captcha check.
type CaptchaResult int

const (
	CaptchaPass CaptchaResult = iota
	CaptchaRetry
	CaptchaFail
	CaptchaGone // unknown or expired session
)

// Check evaluates an answer. Pass and Fail both consume the session;
// Retry leaves it in place with the attempt counted.
func (cm *CaptchaManager) Check(connID, captchaID, answer string) (CaptchaResult, *PendingCaptcha) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	pc, ok := cm.byID[captchaID]
	if !ok || pc.ConnID != connID {
		return CaptchaGone, nil
	}
	if cm.now().After(pc.ExpiresAt) {
		delete(cm.byID, captchaID)
		delete(cm.byConn, connID)
		return CaptchaGone, nil
	}

	got := strings.ToLower(strings.TrimSpace(answer))
	if got == pc.Answer || contains(pc.Alternates, got) {
		delete(cm.byID, captchaID)
		delete(cm.byConn, connID)
		return CaptchaPass, pc
	}

	pc.Attempts++
	if pc.Attempts >= MaxCaptchaAttempts {
		delete(cm.byID, captchaID)
		delete(cm.byConn, connID)
		return CaptchaFail, pc
	}
	return CaptchaRetry, pc
}

// Drop removes any pending captcha for a connection.
func (cm *CaptchaManager) Drop(connID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if id, ok := cm.byConn[connID]; ok {
		delete(cm.byID, id)
		delete(cm.byConn, connID)
	}
}

// Sweep discards expired captcha sessions.
func (cm *CaptchaManager) Sweep() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := cm.now()
	for id, pc := range cm.byID {
		if now.After(pc.ExpiresAt) {
			delete(cm.byID, id)
			delete(cm.byConn, pc.ConnID)
		}
	}
}

var numberWords = []string{"zero", "one", "two", "three", "four", "five",
	"six", "seven", "eight", "nine", "ten", "eleven", "twelve", "thirteen",
	"fourteen", "fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
	"twenty"}

var lexicalQuestions = []struct {
	q      string
	answer string
	alts   []string
}{
	{"What is the first word of this question?", "what", nil},
	{"Type the word 'relay' backwards.", "yaler", nil},
	{"How many letters are in the word 'agent'?", "5", []string{"five"}},
	{"Which is larger: an ant or an elephant?", "elephant", []string{"an elephant"}},
}

func (cm *CaptchaManager) generate() (question, answer string, alternates []string) {
	if cm.rng.Intn(2) == 0 {
		a, b := cm.rng.Intn(10)+1, cm.rng.Intn(10)+1
		n := a + b
		question = fmt.Sprintf("What is %d + %d?", a, b)
		answer = fmt.Sprintf("%d", n)
		if n <= 20 {
			alternates = []string{numberWords[n]}
		}
		return question, answer, alternates
	}
	pick := lexicalQuestions[cm.rng.Intn(len(lexicalQuestions))]
	return pick.q, pick.answer, pick.alts
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
