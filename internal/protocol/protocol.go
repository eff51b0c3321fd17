package protocol

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
)

type State byte

const (
	Unauthenticated State = iota
	Authenticated
	Terminated
)

var stateNames = map[State]string{
	Unauthenticated: "Unauthenticated",
	Authenticated:   "Authenticated",
	Terminated:      "Terminated",
}

func (s State) String() string {
	return stateNames[s]
}

// Protocol 单个连接的协议状态机
//
// 同一连接的帧由一个工作协程按顺序处理，因此内部不加锁。
type Protocol struct {
	connID   int64
	broker   *Broker
	state    State
	username string
}

func New(connID int64, broker *Broker) *Protocol {
	return &Protocol{connID: connID, broker: broker, state: Unauthenticated}
}

func (p *Protocol) State() State {
	return p.state
}

func (p *Protocol) Username() string {
	return p.username
}

func (p *Protocol) ShouldTerminate() bool {
	return p.state == Terminated
}

// Process 处理一条原始帧文本
func (p *Protocol) Process(ctx context.Context, raw string) {
	if p.state == Terminated {
		logger.DebugF("[conn-%d] Frame ignored, connection terminated", p.connID)
		return
	}

	frame, err := stomp.Decode(raw)
	if err != nil {
		logger.DebugF("[conn-%d] Skip undecodable frame, details: %v", p.connID, err)
		return
	}
	logger.DebugF("[conn-%d] Receive %s frame, headers %v", p.connID, frame.Command, frame.Headers)

	if !frame.Command.Known() {
		logger.WarnF("[conn-%d] Unknown command %q ignored", p.connID, frame.Command)
		return
	}

	switch frame.Command {
	case stomp.CONNECT:
		p.handleConnect(ctx, frame)
	case stomp.SUBSCRIBE:
		p.handleSubscribe(ctx, frame)
	case stomp.UNSUBSCRIBE:
		p.handleUnsubscribe(ctx, frame)
	case stomp.SEND:
		p.handleSend(ctx, frame)
	case stomp.DISCONNECT:
		p.handleDisconnect(ctx, frame)
	}
}

// Close 传输层关闭时调用，与 ERROR/DISCONNECT 共用同一次清理
func (p *Protocol) Close(ctx context.Context) {
	p.terminate(ctx)
}

func (p *Protocol) handleConnect(ctx context.Context, frame *stomp.Frame) {
	if !p.requireHeaders(ctx, frame, stomp.HeaderAcceptVersion, stomp.HeaderHost, stomp.HeaderLogin, stomp.HeaderPasscode) {
		return
	}
	if p.username != "" {
		p.sendError(ctx, "Connection error", "Client already logged in")
		return
	}

	login, _ := frame.Get(stomp.HeaderLogin)
	passcode, _ := frame.Get(stomp.HeaderPasscode)
	if login == "" {
		p.sendError(ctx, "Malformed frame", "Empty header: "+stomp.HeaderLogin)
		return
	}

	// 先占用用户名，并发的同名 CONNECT 只有一个能通过
	if !p.broker.sessions.TryAcquire(login) {
		p.sendError(ctx, "User already logged in", "User is active on another connection")
		return
	}

	if ok := p.authenticate(ctx, login, passcode); !ok {
		p.broker.sessions.Release(login)
		return
	}

	p.username = login
	p.state = Authenticated

	storeCtx, cancel := p.broker.storeContext(ctx)
	defer cancel()
	if err := p.broker.store.RecordLogin(storeCtx, login); err != nil {
		logger.WarnF("[conn-%d] Fail to record login of %s, details: %v", p.connID, login, err)
	}

	logger.InfoF("[conn-%d] User %s logged in", p.connID, login)
	p.send(stomp.NewConnectedFrame())
}

// authenticate 校验密码，未知用户自动注册；失败时已发送 ERROR
func (p *Protocol) authenticate(ctx context.Context, login, passcode string) bool {
	storeCtx, cancel := p.broker.storeContext(ctx)
	defer cancel()

	hash, found, err := p.broker.store.LookupPassword(storeCtx, login)
	if err != nil {
		logger.ErrorF("[conn-%d] Fail to look up user %s, details: %v", p.connID, login, err)
		p.sendError(ctx, "Server error", "Credential store unavailable")
		return false
	}

	if !found {
		if err := p.broker.store.Register(storeCtx, login, passcode); err != nil {
			logger.ErrorF("[conn-%d] Fail to register user %s, details: %v", p.connID, login, err)
			p.sendError(ctx, "Server error", "Credential store unavailable")
			return false
		}
		return true
	}

	if !database.ComparePassword(hash, passcode) {
		p.sendError(ctx, "Login failed", "Wrong password")
		return false
	}
	return true
}

func (p *Protocol) handleSubscribe(ctx context.Context, frame *stomp.Frame) {
	if !p.requireHeaders(ctx, frame, stomp.HeaderDestination, stomp.HeaderID) || !p.requireConnected(ctx) {
		return
	}
	topic, _ := frame.Get(stomp.HeaderDestination)
	subID, _ := frame.Get(stomp.HeaderID)

	p.broker.connections.Subscribe(topic, p.connID, subID)
	logger.InfoF("[conn-%d] Subscribed to %s with id %s", p.connID, topic, subID)
	p.sendReceipt(frame)
}

func (p *Protocol) handleUnsubscribe(ctx context.Context, frame *stomp.Frame) {
	if !p.requireHeaders(ctx, frame, stomp.HeaderID) || !p.requireConnected(ctx) {
		return
	}
	subID, _ := frame.Get(stomp.HeaderID)

	if p.broker.connections.Unsubscribe(p.connID, subID) {
		logger.InfoF("[conn-%d] Unsubscribed id %s", p.connID, subID)
	} else {
		logger.DebugF("[conn-%d] Unsubscribe of unknown id %s", p.connID, subID)
	}
	p.sendReceipt(frame)
}

func (p *Protocol) handleSend(ctx context.Context, frame *stomp.Frame) {
	if !p.requireHeaders(ctx, frame, stomp.HeaderDestination) || !p.requireConnected(ctx) {
		return
	}
	topic, _ := frame.Get(stomp.HeaderDestination)

	if !p.broker.connections.IsSubscribed(p.connID, topic) {
		p.sendError(ctx, "Not subscribed", fmt.Sprintf("User is not subscribed to topic %s", topic))
		return
	}

	storeCtx, cancel := p.broker.storeContext(ctx)
	defer cancel()
	if err := p.broker.store.RecordActivity(storeCtx, p.username, topic); err != nil {
		logger.WarnF("[conn-%d] Fail to record activity on %s, details: %v", p.connID, topic, err)
	}

	message := stomp.NewMessageFrame("", p.broker.NextMessageID(), topic, frame.Body)
	delivered := p.broker.connections.SendToTopic(topic, message)
	logger.DebugF("[conn-%d] Message to %s delivered to %d subscribers", p.connID, topic, delivered)
	p.sendReceipt(frame)
}

func (p *Protocol) handleDisconnect(ctx context.Context, frame *stomp.Frame) {
	// 回执必须在连接关闭前发出
	p.sendReceipt(frame)
	logger.InfoF("[conn-%d] Client disconnect", p.connID)
	p.terminate(ctx)
}

func (p *Protocol) requireConnected(ctx context.Context) bool {
	if p.state == Authenticated {
		return true
	}
	p.sendError(ctx, "Not connected", "A CONNECT frame must be sent first")
	return false
}

func (p *Protocol) requireHeaders(ctx context.Context, frame *stomp.Frame, keys ...string) bool {
	for _, key := range keys {
		if !frame.Has(key) {
			p.sendError(ctx, "Malformed frame", "Missing header: "+key)
			return false
		}
	}
	return true
}

func (p *Protocol) sendReceipt(frame *stomp.Frame) {
	if receipt, ok := frame.Get(stomp.HeaderReceipt); ok {
		p.send(stomp.NewReceiptFrame(receipt))
	}
}

func (p *Protocol) send(frame *stomp.Frame) bool {
	return p.broker.connections.Send(p.connID, frame)
}

// sendError 发送 ERROR 帧并终止连接，发送失败也会完成清理
func (p *Protocol) sendError(ctx context.Context, summary, detail string) {
	logger.WarnF("[conn-%d] %s: %s (user=%q)", p.connID, summary, detail, p.username)
	p.send(stomp.NewErrorFrame(summary, detail))
	p.terminate(ctx)
}

// terminate 释放会话、移除订阅与注册并关闭传输，只执行一次
func (p *Protocol) terminate(ctx context.Context) {
	if p.state == Terminated {
		return
	}
	p.state = Terminated

	if p.username != "" {
		username := p.username
		p.username = ""
		p.broker.sessions.Release(username)

		storeCtx, cancel := p.broker.storeContext(ctx)
		if err := p.broker.store.RecordLogout(storeCtx, username); err != nil {
			logger.WarnF("[conn-%d] Fail to record logout of %s, details: %v", p.connID, username, err)
		}
		cancel()
	}

	p.broker.connections.Disconnect(p.connID)
}
