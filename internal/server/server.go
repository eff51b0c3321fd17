// Package server 实现了 STOMP 的 TCP 传输层：接受连接、按帧结束符切分并交给协议状态机
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/protocol"
)

type Server struct {
	address      string
	writeTimeout time.Duration
	broker       *protocol.Broker
	sem          *semaphore.Weighted
	nextConnID   atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	conns    map[int64]net.Conn
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(config config.ServerConfig, broker *protocol.Broker) *Server {
	maxConnections := config.MaxConnections
	if maxConnections <= 0 {
		maxConnections = 10000
	}
	return &Server{
		address:      config.Address(),
		writeTimeout: config.WriteDeadline(),
		broker:       broker,
		sem:          semaphore.NewWeighted(maxConnections),
		conns:        make(map[int64]net.Conn),
	}
}

var ErrServerClosed = errors.New("server closed")

// Listen 绑定监听地址，Serve 之前可单独调用以获取实际端口
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("STOMP server listen on %s failed: %w", s.address, err)
	}
	s.listener = ln
	logger.InfoF("STOMP Server Listen On %s", ln.Addr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve 接受连接直到 ctx 结束或服务器关闭
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.closeListener()
		case <-stop:
		}
	}()

	// 帧一旦开始处理就执行到底，不随服务器上下文取消
	workerCtx := context.WithoutCancel(ctx)

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		connID := s.nextConnID.Add(1)
		if !s.track(connID, conn) {
			s.sem.Release(1)
			_ = conn.Close()
			return nil
		}
		logger.DebugF("[conn-%d] Accepted new connection from %s", connID, conn.RemoteAddr().String())

		go func() {
			defer s.sem.Release(1)
			defer s.wg.Done()
			defer s.untrack(connID)
			newConnectionHandler(conn, connID, s.writeTimeout, s.broker).handleConnection(workerCtx)
		}()
	}
}

func (s *Server) track(connID int64, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[connID] = conn
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(connID int64) {
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.ErrorF("Server close error: %v", err)
	}
}

// Shutdown 关闭监听与所有连接，并等待连接协程完成清理
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeListener()

	s.mu.Lock()
	s.closed = true
	for _, conn := range s.conns {
		if err := conn.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.WarnF("Error occured while closing connection, details: %v", err)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("STOMP Server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke 满足 event.Callable，供关闭流程调用
func (s *Server) Invoke(ctx context.Context) error {
	return s.Shutdown(ctx)
}
