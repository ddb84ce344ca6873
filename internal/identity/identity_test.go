package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pem, err := EncodePublicKey(pub)
	require.NoError(t, err)
	return pem, priv
}

func TestVerifyRoundTrip(t *testing.T) {
	pem, priv := genKey(t)

	data := []byte("PROPOSAL|@abc|do the thing|||||")
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data))

	ok, err := Verify(data, sig, pem)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify([]byte("tampered"), sig, pem)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsBadKeyMaterial(t *testing.T) {
	_, err := ParsePublicKey("not a pem")
	assert.ErrorIs(t, err, ErrBadPEM)

	_, err = Verify([]byte("x"), "c2ln", "not a pem")
	assert.Error(t, err)
}

func TestAgentIDStableAndShort(t *testing.T) {
	pem, _ := genKey(t)

	id := AgentID(pem)
	assert.Len(t, id, AgentIDLen)
	assert.Equal(t, id, AgentID(pem), "id must be deterministic")
	assert.Equal(t, id, AgentID(pem+"\n"), "trailing whitespace must not change the id")
	assert.Equal(t, id[:8], ShortID(id))

	other, _ := genKey(t)
	assert.NotEqual(t, id, AgentID(other))
}

func TestEphemeralIDs(t *testing.T) {
	id := NewEphemeralID()
	assert.True(t, IsEphemeral(id))
	assert.False(t, IsEphemeral("a1b2c3d4e5f60718"))
}

func TestChallengeLifecycle(t *testing.T) {
	cm := NewChallengeManager(time.Minute)

	ch := cm.Issue("conn1", "alice", "PEM")
	assert.Len(t, ch.Nonce, 32) // 16 bytes hex

	// Wrong connection cannot consume it.
	_, ok := cm.Take("conn2", ch.ChallengeID)
	assert.False(t, ok)

	got, ok := cm.Take("conn1", ch.ChallengeID)
	require.True(t, ok)
	assert.Equal(t, "alice", got.ClaimedName)

	// Single use.
	_, ok = cm.Take("conn1", ch.ChallengeID)
	assert.False(t, ok)
}

func TestChallengeExpiry(t *testing.T) {
	cm := NewChallengeManager(time.Minute)
	base := time.Now()
	cm.now = func() time.Time { return base }

	ch := cm.Issue("conn1", "alice", "PEM")

	cm.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok := cm.Take("conn1", ch.ChallengeID)
	assert.False(t, ok, "expired challenge must not verify")
}

func TestChallengeReplacedOnReissue(t *testing.T) {
	cm := NewChallengeManager(time.Minute)

	first := cm.Issue("conn1", "alice", "PEM")
	second := cm.Issue("conn1", "alice", "PEM")

	_, ok := cm.Take("conn1", first.ChallengeID)
	assert.False(t, ok)
	_, ok = cm.Take("conn1", second.ChallengeID)
	assert.True(t, ok)
}

func TestCaptchaRetriesThenFail(t *testing.T) {
	cm := NewCaptchaManager(time.Minute)
	pc := cm.Issue("conn1", "newbie")

	for i := 0; i < MaxCaptchaAttempts-1; i++ {
		res, _ := cm.Check("conn1", pc.CaptchaID, "definitely wrong")
		assert.Equal(t, CaptchaRetry, res)
	}
	res, _ := cm.Check("conn1", pc.CaptchaID, "definitely wrong")
	assert.Equal(t, CaptchaFail, res)

	res, _ = cm.Check("conn1", pc.CaptchaID, "anything")
	assert.Equal(t, CaptchaGone, res, "failed session must be consumed")
}

func TestCaptchaPass(t *testing.T) {
	cm := NewCaptchaManager(time.Minute)
	pc := cm.Issue("conn1", "newbie")

	res, got := cm.Check("conn1", pc.CaptchaID, "  "+pc.Answer+"  ")
	assert.Equal(t, CaptchaPass, res)
	assert.Equal(t, "newbie", got.StagedName)
}

func TestPeerVerificationExpiry(t *testing.T) {
	vm := NewVerificationManager(30 * time.Second)
	base := time.Now()
	vm.now = func() time.Time { return base }

	pv := vm.Open("reqA", "tgtB")

	// Only the target may answer.
	got, expired := vm.Take(pv.VerificationID, "reqA")
	assert.Nil(t, got)
	assert.False(t, expired)

	vm.now = func() time.Time { return base.Add(time.Minute) }
	got, expired = vm.Take(pv.VerificationID, "tgtB")
	assert.Nil(t, got)
	assert.True(t, expired, "late answer must be reported as expired")
}
