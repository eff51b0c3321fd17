package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
)

// Sender 传输层提供的发送能力
type Sender interface {
	Send(frame *stomp.Frame) error
	Close() error
}

// ConnSender 基于 net.Conn 的发送端，多个连接的工作协程会并发调用 Send
type ConnSender struct {
	conn         net.Conn
	connID       int64
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewConnSender(conn net.Conn, connID int64, writeTimeout time.Duration) *ConnSender {
	return &ConnSender{conn: conn, connID: connID, writeTimeout: writeTimeout}
}

var ErrSenderClosed = errors.New("connection already closed")

// Send 将帧编码后完整写入连接
func (s *ConnSender) Send(frame *stomp.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSenderClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	data := frame.Marshal()
	total := 0
	for total < len(data) {
		n, err := s.conn.Write(data[total:])
		if err != nil {
			return err
		}
		total += n
	}
	logger.DebugF("[conn-%d] Send %s frame, %d bytes", s.connID, frame.Command, total)
	return nil
}

// Close 关闭连接，可重复调用
func (s *ConnSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Close(); err != nil && !IsNetClosedError(err) {
		return err
	}
	return nil
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID int64, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[conn-%d] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[conn-%d] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[conn-%d] Connection closed locally", connID)
	default:
		logger.ErrorF("[conn-%d] Error occured while reading frame, details: %v", connID, err)
	}
}
