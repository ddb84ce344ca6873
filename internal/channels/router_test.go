package channels

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/redact"
	"github.com/agentchat/relay/internal/registry"
)

type delivery struct {
	agent string
	kind  protocol.MsgType
	frame any
}

type capture struct{ sent []delivery }

func (c *capture) deliver(agentID string, t protocol.MsgType, frame any) {
	c.sent = append(c.sent, delivery{agentID, t, frame})
}

func (c *capture) ofType(t protocol.MsgType) []delivery {
	var out []delivery
	for _, d := range c.sent {
		if d.kind == t {
			out = append(out, d)
		}
	}
	return out
}

func (c *capture) reset() { c.sent = nil }

func setup(t *testing.T) (*Router, *registry.Registry, *capture) {
	t.Helper()
	reg := registry.New()
	c := &capture{}
	r := NewRouter(reg, redact.New(redact.Options{Label: true}), c.deliver, 3)
	return r, reg, c
}

func join(t *testing.T, r *Router, reg *registry.Registry, id string, verified bool, chans ...string) *registry.Agent {
	t.Helper()
	a := &registry.Agent{ID: id, Name: id, ConnID: "conn-" + id, Verified: verified}
	reg.Register(a)
	for _, ch := range chans {
		require.NoError(t, r.Join(a, ch))
	}
	return a
}

func TestJoinCreatesAndAnnounces(t *testing.T) {
	r, reg, c := setup(t)
	alice := join(t, r, reg, "alice", false, "#general")
	c.reset()

	bob := join(t, r, reg, "bob", false, "#general")

	joined := c.ofType(protocol.TypeJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "bob", joined[0].agent)
	assert.Len(t, joined[0].frame.(*protocol.Joined).Agents, 2)

	announced := c.ofType(protocol.TypeAgentJoined)
	require.Len(t, announced, 1)
	assert.Equal(t, "alice", announced[0].agent)

	assert.True(t, reg.Get(alice.ID).Channels["#general"])
	assert.True(t, reg.Get(bob.ID).Channels["#general"])
}

func TestJoinRejectsMalformedName(t *testing.T) {
	r, reg, _ := setup(t)
	a := join(t, r, reg, "alice", false)

	err := r.Join(a, "general")
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrInvalidName, perr.Code)

	assert.Error(t, r.Join(a, "#bad name"))
}

func TestOpsRequiresVerified(t *testing.T) {
	r, reg, _ := setup(t)
	anon := join(t, r, reg, "anon_1", false)
	verified := join(t, r, reg, "vet", true)

	err := r.Join(anon, OpsChannel)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrNotAllowed, perr.Code)

	assert.NoError(t, r.Join(verified, OpsChannel))
}

func TestInviteOnlyFlow(t *testing.T) {
	r, reg, c := setup(t)
	owner := join(t, r, reg, "owner", false)
	require.NoError(t, r.Create(owner, "#private", true, false))
	guest := join(t, r, reg, "guest", false)

	err := r.Join(guest, "#private")
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrNotInvited, perr.Code)

	c.reset()
	require.NoError(t, r.Invite(owner, "#private", "guest"))
	invites := c.ofType(protocol.TypeMsg)
	require.Len(t, invites, 1)
	assert.Equal(t, protocol.ServerAgent, invites[0].frame.(*protocol.MsgOut).From)

	assert.NoError(t, r.Join(guest, "#private"))
}

func TestOnlyMembersInvite(t *testing.T) {
	r, reg, _ := setup(t)
	owner := join(t, r, reg, "owner", false)
	require.NoError(t, r.Create(owner, "#private", true, false))
	outsider := join(t, r, reg, "outsider", false)
	target := join(t, r, reg, "target", false)

	err := r.Invite(outsider, "#private", target.ID)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrNotAllowed, perr.Code)
}

func TestChannelFanOutSkipsSender(t *testing.T) {
	r, reg, c := setup(t)
	alice := join(t, r, reg, "alice", false, "#general")
	join(t, r, reg, "bob", false, "#general")
	join(t, r, reg, "carol", false, "#general")
	c.reset()

	msg, err := r.SendMessage(alice, "#general", "hello all")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.MsgID)

	got := c.ofType(protocol.TypeMsg)
	require.Len(t, got, 2)
	for _, d := range got {
		assert.NotEqual(t, "alice", d.agent)
		assert.Equal(t, "hello all", d.frame.(*protocol.MsgOut).Content)
	}
}

func TestSendRequiresMembership(t *testing.T) {
	r, reg, _ := setup(t)
	join(t, r, reg, "alice", false, "#general")
	stranger := join(t, r, reg, "stranger", false)

	_, err := r.SendMessage(stranger, "#general", "hi")
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrChannelNotFound, perr.Code)
}

func TestLurkingSenderRejected(t *testing.T) {
	r, reg, c := setup(t)
	lurker := join(t, r, reg, "lurker", false)
	lurker.Lurking = true
	lurker.LurkUntil = time.Now().Add(time.Hour)
	require.NoError(t, r.Join(lurker, "#general"))
	join(t, r, reg, "bob", false)
	c.reset()

	_, err := r.SendMessage(lurker, "#general", "too soon")
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrNotAllowed, perr.Code)

	// The lurk window is read-only for direct targets too.
	_, err = r.SendMessage(lurker, "@bob", "psst")
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrNotAllowed, perr.Code)
	assert.Empty(t, c.ofType(protocol.TypeMsg))
}

func TestOutboundContentIsRedacted(t *testing.T) {
	r, reg, c := setup(t)
	alice := join(t, r, reg, "alice", false, "#general")
	join(t, r, reg, "bob", false, "#general")
	c.reset()

	_, err := r.SendMessage(alice, "#general", "key is sk-ant-REDACTED")
	require.NoError(t, err)

	got := c.ofType(protocol.TypeMsg)
	require.Len(t, got, 1)
	assert.Equal(t, "key is [REDACTED:anthropic_api_key]", got[0].frame.(*protocol.MsgOut).Content)
}

func TestDirectMessageDeliveredOrDropped(t *testing.T) {
	r, reg, c := setup(t)
	alice := join(t, r, reg, "alice", false)
	join(t, r, reg, "bob", false)
	c.reset()

	_, err := r.SendMessage(alice, "@bob", "psst")
	require.NoError(t, err)
	got := c.ofType(protocol.TypeMsg)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].agent)

	c.reset()
	_, err = r.SendMessage(alice, "@ghost", "anyone?")
	require.NoError(t, err, "offline direct targets drop silently")
	assert.Empty(t, c.sent)
}

func TestServerAddressReserved(t *testing.T) {
	r, reg, _ := setup(t)
	alice := join(t, r, reg, "alice", false)

	_, err := r.SendMessage(alice, protocol.ServerAgent, "hi")
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrInvalidMsg, perr.Code)
}

func TestReplayBufferOnJoin(t *testing.T) {
	r, reg, c := setup(t)
	alice := join(t, r, reg, "alice", false, "#general")
	for _, text := range []string{"one", "two", "three", "four"} {
		_, err := r.SendMessage(alice, "#general", text)
		require.NoError(t, err)
	}
	c.reset()

	join(t, r, reg, "late", false, "#general")

	var replayed []string
	for _, d := range c.ofType(protocol.TypeMsg) {
		m := d.frame.(*protocol.MsgOut)
		require.True(t, m.Replay)
		replayed = append(replayed, m.Content)
	}
	assert.Equal(t, []string{"two", "three", "four"}, replayed,
		"buffer keeps the last N in FIFO order")
}

func TestLeaveAnnounces(t *testing.T) {
	r, reg, c := setup(t)
	alice := join(t, r, reg, "alice", false, "#general")
	join(t, r, reg, "bob", false, "#general")
	c.reset()

	require.NoError(t, r.Leave(alice, "#general"))
	assert.Len(t, c.ofType(protocol.TypeLeft), 1)

	left := c.ofType(protocol.TypeAgentLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0].agent)
	assert.False(t, reg.Get("alice").Channels["#general"])

	assert.Error(t, r.Leave(alice, "#general"), "second leave fails")
}

func TestDisconnectLeavesEverything(t *testing.T) {
	r, reg, c := setup(t)
	alice := join(t, r, reg, "alice", false, "#a", "#b")
	join(t, r, reg, "bob", false, "#a")
	c.reset()

	r.Disconnect(alice)
	assert.Len(t, c.ofType(protocol.TypeAgentLeft), 1)
	assert.False(t, r.IsMember("#a", "alice"))
	assert.False(t, r.IsMember("#b", "alice"))
}

func TestTypingFanOut(t *testing.T) {
	r, reg, c := setup(t)
	alice := join(t, r, reg, "alice", false, "#general")
	join(t, r, reg, "bob", false, "#general")
	c.reset()

	r.Typing(alice, "#general")
	got := c.ofType(protocol.TypeTyping)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].agent)
	assert.Equal(t, "alice", got[0].frame.(*protocol.TypingOut).Agent)
}

func TestFileChunkRouting(t *testing.T) {
	r, reg, c := setup(t)
	alice := join(t, r, reg, "alice", false, "#general")
	join(t, r, reg, "bob", false, "#general")
	c.reset()

	fc := &protocol.FileChunk{To: "#general", Name: "data.bin", Seq: 1, Data: "aGk=", Final: true}
	require.NoError(t, r.SendFileChunk(alice, fc))
	got := c.ofType(protocol.TypeFileChunk)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].agent)
	assert.Equal(t, 1, got[0].frame.(*protocol.FileChunkOut).Seq)
}

func TestListAndRoster(t *testing.T) {
	r, reg, _ := setup(t)
	join(t, r, reg, "alice", false, "#general")

	list := r.List()
	require.Len(t, list, 2) // #general plus reserved #ops
	assert.Equal(t, "#general", list[0].Name)
	assert.Equal(t, 1, list[0].Members)
	assert.Equal(t, OpsChannel, list[1].Name)
	assert.True(t, list[1].VerifiedOnly)

	roster, err := r.Roster("#general")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "alice", roster[0].ID)

	_, err = r.Roster("#nope")
	assert.Error(t, err)
}

func TestInjectBuffersAndFansOut(t *testing.T) {
	r, reg, c := setup(t)
	join(t, r, reg, "alice", false, "#deals")
	c.reset()

	r.Inject("#deals", protocol.MsgOut{
		MsgID: "msg_x", From: protocol.ServerAgent, To: "#deals", Content: "proposal accepted",
	})
	require.Len(t, c.ofType(protocol.TypeMsg), 1)

	c.reset()
	join(t, r, reg, "late", false, "#deals")
	replays := c.ofType(protocol.TypeMsg)
	require.Len(t, replays, 1)
	assert.True(t, replays[0].frame.(*protocol.MsgOut).Replay)
}

func TestInjectCreatesChannelForReplay(t *testing.T) {
	r, reg, c := setup(t)

	r.Inject(ReceiptsChannel, protocol.MsgOut{
		MsgID: "msg_r", From: protocol.ServerAgent, To: ReceiptsChannel, Content: "proposal completed",
	})

	join(t, r, reg, "alice", false, ReceiptsChannel)
	replays := c.ofType(protocol.TypeMsg)
	require.Len(t, replays, 1)
	out := replays[0].frame.(*protocol.MsgOut)
	assert.True(t, out.Replay)
	assert.Equal(t, "proposal completed", out.Content)
}

func TestIdleChannels(t *testing.T) {
	r, reg, _ := setup(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	alice := join(t, r, reg, "alice", false, "#busy", "#quiet")
	now = now.Add(10 * time.Minute)
	_, err := r.SendMessage(alice, "#busy", "still here")
	require.NoError(t, err)

	idle := r.IdleChannels(now.Add(-5 * time.Minute))
	assert.Equal(t, []string{"#quiet"}, idle)
}
