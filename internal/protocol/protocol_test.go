package protocol

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/session"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordSender struct {
	mu     sync.Mutex
	frames []*stomp.Frame
	closed bool
}

func (r *recordSender) Send(frame *stomp.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return connection.ErrSenderClosed
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recordSender) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordSender) Frames() []*stomp.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*stomp.Frame(nil), r.frames...)
}

func (r *recordSender) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recordSender) Last() *stomp.Frame {
	frames := r.Frames()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

type harness struct {
	broker      *Broker
	connections *connection.ConnectionManager
	sessions    *session.Guard
	store       database.CredentialStore
}

func newHarness(t *testing.T, store database.CredentialStore) *harness {
	t.Helper()
	if store == nil {
		store = database.NewMemoryStore(bcrypt.MinCost)
	}
	connections := connection.NewConnectionManager(nil)
	sessions := session.NewGuard()
	return &harness{
		broker:      NewBroker(connections, sessions, store, time.Second),
		connections: connections,
		sessions:    sessions,
		store:       store,
	}
}

func (h *harness) open(connID int64) (*Protocol, *recordSender) {
	sender := &recordSender{}
	h.connections.Register(connID, sender)
	return New(connID, h.broker), sender
}

func connectFrame(login, passcode string) string {
	return "CONNECT\naccept-version:1.2\nhost:stomp.cs.bgu.ac.il\nlogin:" + login + "\npasscode:" + passcode + "\n\n\x00"
}

func header(t *testing.T, frame *stomp.Frame, key string) string {
	t.Helper()
	require.NotNil(t, frame)
	value, ok := frame.Get(key)
	require.True(t, ok, "header %s missing in %s", key, frame)
	return value
}

func TestConnect(t *testing.T) {
	h := newHarness(t, nil)
	p, sender := h.open(1)

	p.Process(context.Background(), connectFrame("alice", "1234"))

	frames := sender.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "CONNECTED\nversion:1.2\n\n", frames[0].String())
	assert.Equal(t, Authenticated, p.State())
	assert.Equal(t, "alice", p.Username())
	assert.True(t, h.sessions.Active("alice"))

	report, err := h.store.Report(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, report.Users)
	require.Len(t, report.Logins, 1)
	assert.Nil(t, report.Logins[0].LogoutTime)
}

func TestConcurrentConnectSameUser(t *testing.T) {
	h := newHarness(t, nil)
	first, firstSender := h.open(1)
	second, secondSender := h.open(2)

	var wg sync.WaitGroup
	for _, p := range []*Protocol{first, second} {
		wg.Add(1)
		go func(p *Protocol) {
			defer wg.Done()
			p.Process(context.Background(), connectFrame("alice", "1234"))
		}(p)
	}
	wg.Wait()

	commands := []stomp.Command{firstSender.Last().Command, secondSender.Last().Command}
	assert.ElementsMatch(t, []stomp.Command{stomp.CONNECTED, stomp.ERROR}, commands)
	assert.NotEqual(t, first.ShouldTerminate(), second.ShouldTerminate())
	assert.Equal(t, []string{"alice"}, h.sessions.Users())
}

func TestConnectWrongPassword(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Register(ctx, "alice", "1234"))

	p, sender := h.open(1)
	p.Process(ctx, connectFrame("alice", "9999"))

	last := sender.Last()
	assert.Equal(t, stomp.ERROR, last.Command)
	assert.Equal(t, "Login failed", header(t, last, stomp.HeaderMessage))
	assert.Equal(t, "The details:\nWrong password", last.Body)
	assert.True(t, p.ShouldTerminate())
	assert.True(t, sender.Closed())
	assert.Empty(t, h.sessions.Users())

	// 密码正确时可以登录
	p, sender = h.open(2)
	p.Process(ctx, connectFrame("alice", "1234"))
	assert.Equal(t, stomp.CONNECTED, sender.Last().Command)
}

func TestConnectAlreadyLoggedIn(t *testing.T) {
	h := newHarness(t, nil)
	p, sender := h.open(1)
	p.Process(context.Background(), connectFrame("alice", "1234"))
	p.Process(context.Background(), connectFrame("bob", "1234"))

	last := sender.Last()
	assert.Equal(t, stomp.ERROR, last.Command)
	assert.Equal(t, "Connection error", header(t, last, stomp.HeaderMessage))
	assert.True(t, p.ShouldTerminate())
	assert.Empty(t, h.sessions.Users())
}

func TestConnectActiveElsewhere(t *testing.T) {
	h := newHarness(t, nil)
	first, _ := h.open(1)
	first.Process(context.Background(), connectFrame("alice", "1234"))

	second, sender := h.open(2)
	second.Process(context.Background(), connectFrame("alice", "1234"))

	assert.Equal(t, "User already logged in", header(t, sender.Last(), stomp.HeaderMessage))
	assert.True(t, second.ShouldTerminate())
	assert.Equal(t, Authenticated, first.State())
	assert.Equal(t, []string{"alice"}, h.sessions.Users())
}

func TestSubscribeAndSend(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p, sender := h.open(1)
	p.Process(ctx, connectFrame("alice", "1234"))

	previous, err := strconv.ParseUint(h.broker.NextMessageID(), 10, 64)
	require.NoError(t, err)

	p.Process(ctx, "SUBSCRIBE\ndestination:/topic/a\nid:0\n\n\x00")
	p.Process(ctx, "SEND\ndestination:/topic/a\n\nhello\x00")

	frames := sender.Frames()
	require.Len(t, frames, 2)
	message := frames[1]
	assert.Equal(t, stomp.MESSAGE, message.Command)
	assert.Equal(t, "0", header(t, message, stomp.HeaderSubscription))
	assert.Equal(t, "/topic/a", header(t, message, stomp.HeaderDestination))
	assert.Equal(t, "hello", message.Body)

	messageID, err := strconv.ParseUint(header(t, message, stomp.HeaderMessageID), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, messageID, previous)

	report, err := h.store.Report(ctx)
	require.NoError(t, err)
	require.Len(t, report.Activity, 1)
	assert.Equal(t, database.ActivityRecord{Username: "alice", Topic: "/topic/a", Time: report.Activity[0].Time}, report.Activity[0])
}

func TestFanOutUsesSubscriberIDs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, aliceSender := h.open(1)
	bob, bobSender := h.open(2)
	alice.Process(ctx, connectFrame("alice", "a"))
	bob.Process(ctx, connectFrame("bob", "b"))
	alice.Process(ctx, "SUBSCRIBE\ndestination:/topic/a\nid:0\n\n\x00")
	bob.Process(ctx, "SUBSCRIBE\ndestination:/topic/a\nid:42\n\n\x00")

	bob.Process(ctx, "SEND\ndestination:/topic/a\nreceipt:r1\n\nhi\x00")

	aliceMessage := aliceSender.Last()
	assert.Equal(t, "0", header(t, aliceMessage, stomp.HeaderSubscription))
	bobFrames := bobSender.Frames()
	require.Len(t, bobFrames, 3)
	assert.Equal(t, "42", header(t, bobFrames[1], stomp.HeaderSubscription))
	assert.Equal(t, header(t, aliceMessage, stomp.HeaderMessageID), header(t, bobFrames[1], stomp.HeaderMessageID))
	assert.Equal(t, "RECEIPT\nreceipt-id:r1\n\n", bobFrames[2].String())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice, aliceSender := h.open(1)
	bob, bobSender := h.open(2)
	alice.Process(ctx, connectFrame("alice", "a"))
	bob.Process(ctx, connectFrame("bob", "b"))
	alice.Process(ctx, "SUBSCRIBE\ndestination:/topic/a\nid:0\n\n\x00")
	bob.Process(ctx, "SUBSCRIBE\ndestination:/topic/a\nid:5\n\n\x00")

	alice.Process(ctx, "UNSUBSCRIBE\nid:0\nreceipt:u1\n\n\x00")
	assert.Equal(t, "u1", header(t, aliceSender.Last(), stomp.HeaderReceiptID))

	bob.Process(ctx, "SEND\ndestination:/topic/a\n\nhello\x00")
	assert.Len(t, aliceSender.Frames(), 2)
	assert.Equal(t, stomp.MESSAGE, bobSender.Last().Command)

	alice.Process(ctx, "SEND\ndestination:/topic/a\n\nhello\x00")
	last := aliceSender.Last()
	assert.Equal(t, stomp.ERROR, last.Command)
	assert.Equal(t, "Not subscribed", header(t, last, stomp.HeaderMessage))
	assert.Contains(t, last.Body, "/topic/a")
	assert.True(t, alice.ShouldTerminate())
	assert.Equal(t, Authenticated, bob.State())
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p, sender := h.open(1)
	p.Process(ctx, connectFrame("alice", "1234"))
	p.Process(ctx, "SUBSCRIBE\ndestination:/topic/a\nid:0\n\n\x00")

	p.Process(ctx, "DISCONNECT\nreceipt:77\n\n\x00")

	assert.Equal(t, "RECEIPT\nreceipt-id:77\n\n", sender.Last().String())
	assert.True(t, sender.Closed())
	assert.True(t, p.ShouldTerminate())
	assert.Empty(t, h.sessions.Users())
	assert.False(t, h.connections.IsSubscribed(1, "/topic/a"))
	assert.Equal(t, 0, h.connections.Count())

	report, err := h.store.Report(ctx)
	require.NoError(t, err)
	require.Len(t, report.Logins, 1)
	assert.NotNil(t, report.Logins[0].LogoutTime)

	// 终止后的帧不再处理
	p.Process(ctx, connectFrame("alice", "1234"))
	assert.Len(t, sender.Frames(), 2)

	next, nextSender := h.open(2)
	next.Process(ctx, connectFrame("alice", "1234"))
	assert.Equal(t, stomp.CONNECTED, nextSender.Last().Command)
}

func TestDisconnectBeforeConnect(t *testing.T) {
	h := newHarness(t, nil)
	p, sender := h.open(1)
	p.Process(context.Background(), "DISCONNECT\n\n\x00")

	assert.Empty(t, sender.Frames())
	assert.True(t, p.ShouldTerminate())
	assert.True(t, sender.Closed())
}

func TestMissingHeaders(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		auth  bool
	}{
		{"connect without passcode", "CONNECT\naccept-version:1.2\nhost:x\nlogin:carol\n\n\x00", false},
		{"connect without host", "CONNECT\naccept-version:1.2\nlogin:carol\npasscode:1\n\n\x00", false},
		{"subscribe without id", "SUBSCRIBE\ndestination:/topic/a\n\n\x00", true},
		{"subscribe without destination", "SUBSCRIBE\nid:1\n\n\x00", true},
		{"unsubscribe without id", "UNSUBSCRIBE\n\n\x00", true},
		{"send without destination", "SEND\n\nbody\x00", true},
		{"subscribe before connect", "SUBSCRIBE\nid:1\n\n\x00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			ctx := context.Background()
			bystander, bystanderSender := h.open(100)
			bystander.Process(ctx, connectFrame("bystander", "x"))
			bystander.Process(ctx, "SUBSCRIBE\ndestination:/topic/a\nid:0\n\n\x00")

			p, sender := h.open(1)
			if tt.auth {
				p.Process(ctx, connectFrame("carol", "1"))
			}
			p.Process(ctx, tt.frame)

			last := sender.Last()
			assert.Equal(t, stomp.ERROR, last.Command)
			assert.Contains(t, last.Body, "Missing header")
			assert.True(t, p.ShouldTerminate())
			assert.True(t, sender.Closed())
			assert.False(t, h.sessions.Active("carol"))

			assert.Equal(t, Authenticated, bystander.State())
			assert.True(t, h.sessions.Active("bystander"))
			assert.True(t, h.connections.IsSubscribed(100, "/topic/a"))
			assert.False(t, bystanderSender.Closed())
		})
	}
}

func TestNotConnected(t *testing.T) {
	for _, frame := range []string{
		"SUBSCRIBE\ndestination:/topic/a\nid:0\n\n\x00",
		"UNSUBSCRIBE\nid:0\n\n\x00",
		"SEND\ndestination:/topic/a\n\nx\x00",
	} {
		h := newHarness(t, nil)
		p, sender := h.open(1)
		p.Process(context.Background(), frame)

		last := sender.Last()
		assert.Equal(t, "Not connected", header(t, last, stomp.HeaderMessage))
		assert.True(t, p.ShouldTerminate())
		assert.False(t, h.connections.IsSubscribed(1, "/topic/a"))
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	h := newHarness(t, nil)
	p, sender := h.open(1)
	p.Process(context.Background(), connectFrame("alice", "1234"))
	p.Process(context.Background(), "BEGIN\ntransaction:tx1\n\n\x00")
	// 服务端命令由客户端发送时同样忽略
	p.Process(context.Background(), "MESSAGE\ndestination:/topic/a\n\nx\x00")
	p.Process(context.Background(), "\n\x00")

	assert.Len(t, sender.Frames(), 1)
	assert.Equal(t, Authenticated, p.State())
}

func TestSubscribeReceipt(t *testing.T) {
	h := newHarness(t, nil)
	p, sender := h.open(1)
	p.Process(context.Background(), connectFrame("alice", "1234"))
	p.Process(context.Background(), "SUBSCRIBE\ndestination:/topic/a\nid:0\nreceipt:s1\n\n\x00")
	// 重复使用订阅ID切换主题
	p.Process(context.Background(), "SUBSCRIBE\ndestination:/topic/b\nid:0\n\n\x00")

	assert.Equal(t, "RECEIPT\nreceipt-id:s1\n\n", sender.Frames()[1].String())
	assert.False(t, h.connections.IsSubscribed(1, "/topic/a"))
	assert.True(t, h.connections.IsSubscribed(1, "/topic/b"))
}

func TestCloseReleasesSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p, sender := h.open(1)
	p.Process(ctx, connectFrame("alice", "1234"))
	p.Process(ctx, "SUBSCRIBE\ndestination:/topic/a\nid:0\n\n\x00")

	p.Close(ctx)
	p.Close(ctx)

	assert.True(t, p.ShouldTerminate())
	assert.True(t, sender.Closed())
	assert.Empty(t, h.sessions.Users())
	assert.False(t, h.connections.IsSubscribed(1, "/topic/a"))
}

func TestMessageIDsStrictlyIncrease(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	const publishers = 8
	const messages = 50
	receiver, receiverSender := h.open(0)
	receiver.Process(ctx, connectFrame("receiver", "x"))
	receiver.Process(ctx, "SUBSCRIBE\ndestination:/topic/a\nid:0\n\n\x00")

	var wg sync.WaitGroup
	for i := int64(1); i <= publishers; i++ {
		p, _ := h.open(i)
		p.Process(ctx, connectFrame("user"+strconv.FormatInt(i, 10), "x"))
		p.Process(ctx, "SUBSCRIBE\ndestination:/topic/a\nid:"+strconv.FormatInt(i, 10)+"\n\n\x00")
		wg.Add(1)
		go func(p *Protocol) {
			defer wg.Done()
			for j := 0; j < messages; j++ {
				p.Process(ctx, "SEND\ndestination:/topic/a\n\nx\x00")
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[uint64]struct{})
	for _, frame := range receiverSender.Frames() {
		if frame.Command != stomp.MESSAGE {
			continue
		}
		id, err := strconv.ParseUint(header(t, frame, stomp.HeaderMessageID), 10, 64)
		require.NoError(t, err)
		_, dup := seen[id]
		assert.False(t, dup, "message-id %d repeated", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, publishers*messages)

	a, _ := strconv.ParseUint(h.broker.NextMessageID(), 10, 64)
	b, _ := strconv.ParseUint(h.broker.NextMessageID(), 10, 64)
	assert.Greater(t, b, a)
}

type unavailableStore struct {
	*database.MemoryStore
}

func (unavailableStore) LookupPassword(ctx context.Context, _ string) (string, bool, error) {
	<-ctx.Done()
	return "", false, errors.New("dial tcp 127.0.0.1:27017: i/o timeout")
}

func TestCredentialStoreUnavailable(t *testing.T) {
	store := unavailableStore{database.NewMemoryStore(bcrypt.MinCost)}
	connections := connection.NewConnectionManager(nil)
	sessions := session.NewGuard()
	broker := NewBroker(connections, sessions, store, 20*time.Millisecond)

	sender := &recordSender{}
	connections.Register(1, sender)
	p := New(1, broker)
	p.Process(context.Background(), connectFrame("alice", "1234"))

	last := sender.Last()
	assert.Equal(t, "Server error", header(t, last, stomp.HeaderMessage))
	assert.Contains(t, last.Body, "Credential store unavailable")
	assert.True(t, p.ShouldTerminate())
	assert.Empty(t, sessions.Users())
}

func TestConnectLongPasscode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	passcode := strings.Repeat("x", 80)

	p, sender := h.open(1)
	p.Process(ctx, connectFrame("alice", passcode))
	require.Equal(t, stomp.CONNECTED, sender.Last().Command)
	p.Process(ctx, "DISCONNECT\n\n\x00")
	require.True(t, p.ShouldTerminate())

	p, sender = h.open(2)
	p.Process(ctx, connectFrame("alice", passcode))
	assert.Equal(t, stomp.CONNECTED, sender.Last().Command)
	assert.Equal(t, Authenticated, p.State())
	p.Process(ctx, "DISCONNECT\n\n\x00")

	// 仅第 72 字节之后不同的密码也被拒绝
	p, sender = h.open(3)
	p.Process(ctx, connectFrame("alice", strings.Repeat("x", 79)+"y"))
	last := sender.Last()
	assert.Equal(t, "Login failed", header(t, last, stomp.HeaderMessage))
	assert.Equal(t, "The details:\nWrong password", last.Body)
	assert.True(t, p.ShouldTerminate())
	assert.Empty(t, h.sessions.Users())
}

func TestConnectEmptyLogin(t *testing.T) {
	h := newHarness(t, nil)
	p, sender := h.open(1)
	p.Process(context.Background(), connectFrame("", "1234"))

	last := sender.Last()
	assert.Equal(t, "Malformed frame", header(t, last, stomp.HeaderMessage))
	assert.Equal(t, "The details:\nEmpty header: login", last.Body)
	assert.True(t, p.ShouldTerminate())
	assert.True(t, sender.Closed())
	assert.Empty(t, h.sessions.Users())

	report, err := h.store.Report(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Users)
}

// auditFailingStore 凭据可用，但登录、登出与发布记录全部失败
type auditFailingStore struct {
	*database.MemoryStore
}

var errAuditWrite = errors.New("write concern timeout")

func (auditFailingStore) RecordLogin(context.Context, string) error {
	return errAuditWrite
}

func (auditFailingStore) RecordLogout(context.Context, string) error {
	return errAuditWrite
}

func (auditFailingStore) RecordActivity(context.Context, string, string) error {
	return errAuditWrite
}

func TestAuditFailuresDoNotFailFrames(t *testing.T) {
	h := newHarness(t, auditFailingStore{database.NewMemoryStore(bcrypt.MinCost)})
	ctx := context.Background()

	p, sender := h.open(1)
	p.Process(ctx, connectFrame("alice", "1234"))
	require.Equal(t, stomp.CONNECTED, sender.Last().Command)
	assert.Equal(t, Authenticated, p.State())

	p.Process(ctx, "SUBSCRIBE\ndestination:/topic/a\nid:0\n\n\x00")
	p.Process(ctx, "SEND\ndestination:/topic/a\nreceipt:r1\n\nhello\x00")

	frames := sender.Frames()
	require.Len(t, frames, 3)
	assert.Equal(t, stomp.MESSAGE, frames[1].Command)
	assert.Equal(t, "hello", frames[1].Body)
	assert.Equal(t, "RECEIPT\nreceipt-id:r1\n\n", frames[2].String())
	assert.Equal(t, Authenticated, p.State())

	p.Process(ctx, "DISCONNECT\nreceipt:r2\n\n\x00")
	assert.Equal(t, "RECEIPT\nreceipt-id:r2\n\n", sender.Last().String())
	assert.True(t, p.ShouldTerminate())
	assert.True(t, sender.Closed())
	assert.Empty(t, h.sessions.Users())
	assert.Equal(t, 0, h.connections.Count())

	next, nextSender := h.open(2)
	next.Process(ctx, connectFrame("alice", "1234"))
	assert.Equal(t, stomp.CONNECTED, nextSender.Last().Command)
}
