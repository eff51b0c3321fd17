// Package protocol 实现了每个连接一个的 STOMP 协议状态机
package protocol

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/session"
)

const defaultStoreTimeout = 2 * time.Second

// Broker 所有连接共享的服务：连接注册表、会话约束、凭据存储与消息ID计数器
type Broker struct {
	connections  connection.Connections
	sessions     *session.Guard
	store        database.CredentialStore
	storeTimeout time.Duration
	messageID    atomic.Uint64
}

func NewBroker(connections connection.Connections, sessions *session.Guard, store database.CredentialStore, storeTimeout time.Duration) *Broker {
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	return &Broker{
		connections:  connections,
		sessions:     sessions,
		store:        store,
		storeTimeout: storeTimeout,
	}
}

// NextMessageID 返回全局递增且不重复的消息ID
func (b *Broker) NextMessageID() string {
	return strconv.FormatUint(b.messageID.Add(1), 10)
}

func (b *Broker) Connections() connection.Connections {
	return b.connections
}

func (b *Broker) Sessions() *session.Guard {
	return b.sessions
}

// storeContext 为一次凭据存储调用设置超时
func (b *Broker) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.storeTimeout)
}
