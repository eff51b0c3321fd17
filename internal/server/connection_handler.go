package server

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/stomp"
)

type ConnectionHandler struct {
	conn     net.Conn
	connID   int64
	sender   *connection.ConnSender
	protocol *protocol.Protocol
	broker   *protocol.Broker
}

func newConnectionHandler(conn net.Conn, connID int64, writeTimeout time.Duration, broker *protocol.Broker) *ConnectionHandler {
	return &ConnectionHandler{
		conn:     conn,
		connID:   connID,
		sender:   connection.NewConnSender(conn, connID, writeTimeout),
		protocol: protocol.New(connID, broker),
		broker:   broker,
	}
}

// handleFrames 逐帧读取，直到协议终止或读取失败
func (c *ConnectionHandler) handleFrames(ctx context.Context) {
	reader := bufio.NewReader(c.conn)
	for !c.protocol.ShouldTerminate() {
		raw, err := reader.ReadString(stomp.Terminator)
		if err != nil {
			connection.HandleReadError(c.connID, err)
			return
		}
		c.protocol.Process(ctx, raw)
	}
}

func (c *ConnectionHandler) handleConnection(ctx context.Context) {
	c.broker.Connections().Register(c.connID, c.sender)

	defer func() {
		// 传输层关闭同样需要释放会话和订阅
		c.protocol.Close(ctx)
		if err := c.sender.Close(); err != nil {
			logger.WarnF("[conn-%d] Error occured while closing connection, details: %v", c.connID, err)
		}
		logger.DebugF("[conn-%d] Connection closed", c.connID)
	}()

	c.handleFrames(ctx)
}
