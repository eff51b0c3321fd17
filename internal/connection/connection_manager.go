// Package connection 实现了连接注册表：点对点发送、主题扇出与断开清理
package connection

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/subscription"
)

// Connections 协议状态机依赖的连接能力接口
type Connections interface {
	Register(connID int64, sender Sender)
	Send(connID int64, frame *stomp.Frame) bool
	SendToTopic(topic string, frame *stomp.Frame) int
	Subscribe(topic string, connID int64, subID string)
	Unsubscribe(connID int64, subID string) bool
	IsSubscribed(connID int64, topic string) bool
	Disconnect(connID int64)
}

// ConnectionManager 连接管理器
type ConnectionManager struct {
	connections sync.Map // int64 -> Sender
	index       *subscription.Index
}

var _ Connections = (*ConnectionManager)(nil)

func NewConnectionManager(index *subscription.Index) *ConnectionManager {
	if index == nil {
		index = subscription.NewIndex()
	}
	return &ConnectionManager{index: index}
}

// Register 添加连接
func (cm *ConnectionManager) Register(connID int64, sender Sender) {
	cm.connections.Store(connID, sender)
	logger.InfoF("[conn-%d] Client connected", connID)
}

// Send 发送帧到指定连接，连接不存在或写入失败时返回 false
func (cm *ConnectionManager) Send(connID int64, frame *stomp.Frame) bool {
	value, ok := cm.connections.Load(connID)
	if !ok {
		logger.DebugF("[conn-%d] Drop %s frame, connection not registered", connID, frame.Command)
		return false
	}
	if err := value.(Sender).Send(frame); err != nil {
		logger.WarnF("[conn-%d] Fail to send %s frame, details: %v", connID, frame.Command, err)
		return false
	}
	return true
}

// SendToTopic 向订阅主题的每个连接发送一份带有其自身订阅ID的帧，返回成功投递数
//
// 某个订阅者在扇出过程中取消订阅时只跳过它本身。
func (cm *ConnectionManager) SendToTopic(topic string, frame *stomp.Frame) int {
	delivered := 0
	for _, connID := range cm.index.Subscribers(topic) {
		subID, ok := cm.index.SubscriptionIDFor(connID, topic)
		if !ok {
			logger.DebugF("[conn-%d] Unsubscribed from %s during broadcast, skipped", connID, topic)
			continue
		}
		personal := frame.Clone()
		personal.Set(stomp.HeaderSubscription, subID)
		if cm.Send(connID, personal) {
			delivered++
		}
	}
	return delivered
}

func (cm *ConnectionManager) Subscribe(topic string, connID int64, subID string) {
	cm.index.Subscribe(topic, connID, subID)
}

func (cm *ConnectionManager) Unsubscribe(connID int64, subID string) bool {
	_, ok := cm.index.Unsubscribe(connID, subID)
	return ok
}

func (cm *ConnectionManager) IsSubscribed(connID int64, topic string) bool {
	return cm.index.IsSubscribed(connID, topic)
}

// Disconnect 从注册表和订阅索引中移除连接并关闭其发送端，可重复调用
func (cm *ConnectionManager) Disconnect(connID int64) {
	removed := cm.index.RemoveAll(connID)
	value, ok := cm.connections.LoadAndDelete(connID)
	if !ok {
		return
	}
	if err := value.(Sender).Close(); err != nil {
		logger.WarnF("[conn-%d] Error occured while closing connection, details: %v", connID, err)
	}
	logger.InfoF("[conn-%d] Client disconnected, %d subscriptions removed", connID, removed)
}

// Count 返回当前注册的连接数
func (cm *ConnectionManager) Count() int {
	count := 0
	cm.connections.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
