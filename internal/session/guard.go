// Package session 实现了全局单会话约束：同一用户名同一时刻只能在一个连接上登录
package session

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
)

// Guard 记录当前已登录的用户名集合
type Guard struct {
	active sync.Map
}

func NewGuard() *Guard {
	return &Guard{}
}

// TryAcquire 仅当用户名未被占用时占用并返回 true
func (g *Guard) TryAcquire(username string) bool {
	_, loaded := g.active.LoadOrStore(username, struct{}{})
	if !loaded {
		logger.DebugF("User %s acquired session", username)
	}
	return !loaded
}

// Release 释放用户名，未占用时无操作
func (g *Guard) Release(username string) {
	if _, loaded := g.active.LoadAndDelete(username); loaded {
		logger.DebugF("User %s released session", username)
	}
}

func (g *Guard) Active(username string) bool {
	_, ok := g.active.Load(username)
	return ok
}

// Users 返回当前在线用户名快照
func (g *Guard) Users() []string {
	users := make([]string, 0)
	g.active.Range(func(key, _ any) bool {
		users = append(users, key.(string))
		return true
	})
	return users
}
