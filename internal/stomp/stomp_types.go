// Package stomp 实现了STOMP文本协议的帧定义与编解码
package stomp

import "errors"

// Command 定义了STOMP帧的命令
type Command string

// 客户端发往服务器的命令
const (
	CONNECT     Command = "CONNECT"
	SUBSCRIBE   Command = "SUBSCRIBE"
	UNSUBSCRIBE Command = "UNSUBSCRIBE"
	SEND        Command = "SEND"
	DISCONNECT  Command = "DISCONNECT"
)

// 服务器发往客户端的命令
const (
	CONNECTED Command = "CONNECTED"
	MESSAGE   Command = "MESSAGE"
	RECEIPT   Command = "RECEIPT"
	ERROR     Command = "ERROR"
)

// 常用头部名称
const (
	HeaderAcceptVersion = "accept-version"
	HeaderHost          = "host"
	HeaderLogin         = "login"
	HeaderPasscode      = "passcode"
	HeaderVersion       = "version"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderMessage       = "message"
)

const (
	// Version 服务器支持的协议版本
	Version = "1.2"
	// Terminator 帧结束符
	Terminator = '\x00'
)

var ErrEmptyFrame = errors.New("empty frame")

// String 返回命令的字符串表示
func (c Command) String() string {
	return string(c)
}

// Known 判断命令是否为客户端可发送的命令
func (c Command) Known() bool {
	switch c {
	case CONNECT, SUBSCRIBE, UNSUBSCRIBE, SEND, DISCONNECT:
		return true
	}
	return false
}

// Header 单个头部键值对
type Header struct {
	Key   string
	Value string
}

// Frame 定义了完整的STOMP帧结构
type Frame struct {
	Command Command  // 命令
	Headers []Header // 有序头部
	Body    string   // 帧体
}

// NewFrame 创建新的帧，headers 以 key, value 交替给出
func NewFrame(command Command, headers ...string) *Frame {
	frame := &Frame{Command: command, Headers: make([]Header, 0, len(headers)/2)}
	for i := 0; i+1 < len(headers); i += 2 {
		frame.Headers = append(frame.Headers, Header{Key: headers[i], Value: headers[i+1]})
	}
	return frame
}

// Get 返回第一个匹配的头部值
func (f *Frame) Get(key string) (string, bool) {
	for _, header := range f.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return "", false
}

// Has 判断头部是否存在
func (f *Frame) Has(key string) bool {
	_, ok := f.Get(key)
	return ok
}

// Set 替换已有头部，不存在时追加
func (f *Frame) Set(key, value string) {
	for i := range f.Headers {
		if f.Headers[i].Key == key {
			f.Headers[i].Value = value
			return
		}
	}
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// Clone 深拷贝帧，扇出时每个订阅者需要独立的头部
func (f *Frame) Clone() *Frame {
	headers := make([]Header, len(f.Headers))
	copy(headers, f.Headers)
	return &Frame{Command: f.Command, Headers: headers, Body: f.Body}
}
