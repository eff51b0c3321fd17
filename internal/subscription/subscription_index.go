// Package subscription 维护连接、订阅ID与主题之间的双向映射，供扇出使用
package subscription

import (
	"slices"
	"sync"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
)

// clientSubscriptions 单个连接的订阅表
//
// 只有连接自己的工作协程会修改它，其他连接在扇出时只读。
type clientSubscriptions struct {
	mu      sync.RWMutex
	byID    map[string]string   // 订阅ID -> 主题
	byTopic map[string][]string // 主题 -> 订阅ID（按订阅先后）
}

// topicSubscribers 订阅了某个主题的连接集合，同一连接只记录一次
type topicSubscribers struct {
	mu      sync.RWMutex
	members map[int64]struct{}
}

// Index 订阅索引
//
// 锁顺序固定为先连接后主题，扇出只持有主题锁读取快照，不会与之交叉。
type Index struct {
	clients sync.Map // int64 -> *clientSubscriptions
	topics  sync.Map // string -> *topicSubscribers
}

func NewIndex() *Index {
	return &Index{}
}

func (idx *Index) client(connID int64) *clientSubscriptions {
	if value, ok := idx.clients.Load(connID); ok {
		return value.(*clientSubscriptions)
	}
	value, _ := idx.clients.LoadOrStore(connID, &clientSubscriptions{
		byID:    make(map[string]string),
		byTopic: make(map[string][]string),
	})
	return value.(*clientSubscriptions)
}

func (idx *Index) topic(name string) *topicSubscribers {
	if value, ok := idx.topics.Load(name); ok {
		return value.(*topicSubscribers)
	}
	value, _ := idx.topics.LoadOrStore(name, &topicSubscribers{members: make(map[int64]struct{})})
	return value.(*topicSubscribers)
}

func (ts *topicSubscribers) add(connID int64) {
	ts.mu.Lock()
	ts.members[connID] = struct{}{}
	ts.mu.Unlock()
}

func (ts *topicSubscribers) remove(connID int64) {
	ts.mu.Lock()
	delete(ts.members, connID)
	ts.mu.Unlock()
}

// detach 从 byTopic 中移除订阅ID，返回该连接是否已不再订阅此主题
func (cs *clientSubscriptions) detach(topic, subID string) bool {
	ids := slices.DeleteFunc(cs.byTopic[topic], func(id string) bool { return id == subID })
	if len(ids) == 0 {
		delete(cs.byTopic, topic)
		return true
	}
	cs.byTopic[topic] = ids
	return false
}

// Subscribe 记录 (connID, subID) -> topic
//
// 同一连接重复使用订阅ID时，旧主题的映射会先被移除。
func (idx *Index) Subscribe(topic string, connID int64, subID string) {
	cs := idx.client(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if old, ok := cs.byID[subID]; ok {
		if old == topic {
			return
		}
		if cs.detach(old, subID) {
			idx.topic(old).remove(connID)
		}
		logger.DebugF("[conn-%d] Subscription %s moved from %s to %s", connID, subID, old, topic)
	}

	cs.byID[subID] = topic
	cs.byTopic[topic] = append(cs.byTopic[topic], subID)
	idx.topic(topic).add(connID)
}

// Unsubscribe 移除订阅ID的映射，返回其原先对应的主题
func (idx *Index) Unsubscribe(connID int64, subID string) (string, bool) {
	value, ok := idx.clients.Load(connID)
	if !ok {
		return "", false
	}
	cs := value.(*clientSubscriptions)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	topic, ok := cs.byID[subID]
	if !ok {
		return "", false
	}
	delete(cs.byID, subID)
	if cs.detach(topic, subID) {
		idx.topic(topic).remove(connID)
	}
	return topic, true
}

// RemoveAll 移除连接的全部订阅，可重复调用
func (idx *Index) RemoveAll(connID int64) int {
	value, ok := idx.clients.LoadAndDelete(connID)
	if !ok {
		return 0
	}
	cs := value.(*clientSubscriptions)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	count := len(cs.byID)
	for topic := range cs.byTopic {
		idx.topic(topic).remove(connID)
	}
	clear(cs.byID)
	clear(cs.byTopic)
	return count
}

func (idx *Index) IsSubscribed(connID int64, topic string) bool {
	_, ok := idx.SubscriptionIDFor(connID, topic)
	return ok
}

// SubscriptionIDFor 返回连接在该主题上最早仍有效的订阅ID
func (idx *Index) SubscriptionIDFor(connID int64, topic string) (string, bool) {
	value, ok := idx.clients.Load(connID)
	if !ok {
		return "", false
	}
	cs := value.(*clientSubscriptions)
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	ids := cs.byTopic[topic]
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// Subscribers 返回订阅该主题的连接快照
func (idx *Index) Subscribers(topic string) []int64 {
	value, ok := idx.topics.Load(topic)
	if !ok {
		return nil
	}
	ts := value.(*topicSubscribers)
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	result := make([]int64, 0, len(ts.members))
	for connID := range ts.members {
		result = append(result, connID)
	}
	return result
}

// Subscriptions 返回连接当前的 订阅ID -> 主题 副本
func (idx *Index) Subscriptions(connID int64) map[string]string {
	value, ok := idx.clients.Load(connID)
	if !ok {
		return map[string]string{}
	}
	cs := value.(*clientSubscriptions)
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	result := make(map[string]string, len(cs.byID))
	for id, topic := range cs.byID {
		result[id] = topic
	}
	return result
}
