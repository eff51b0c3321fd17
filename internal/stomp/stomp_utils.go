package stomp

import (
	"fmt"
	"strings"
)

// Decode 将一条原始文本解析为帧
//
// 结尾的帧结束符会被去掉。首行去除空白后作为命令，之后直到第一个空行为头部，
// 每行只按第一个 ':' 切分，切不出两段的行直接丢弃。空行之后的内容原样作为帧体。
// 未知命令不会报错，由协议层决定如何处理。
func Decode(raw string) (*Frame, error) {
	raw = strings.TrimRight(raw, string(Terminator))
	// 帧之间允许出现心跳换行
	raw = strings.TrimLeft(raw, "\r\n")
	if raw == "" {
		return nil, ErrEmptyFrame
	}

	commandLine, rest, _ := strings.Cut(raw, "\n")
	command := strings.TrimSpace(commandLine)
	if command == "" {
		return nil, fmt.Errorf("invalid command line %q: %w", commandLine, ErrEmptyFrame)
	}

	frame := &Frame{Command: Command(command), Headers: make([]Header, 0, 4)}
	for rest != "" {
		var line string
		line, rest, _ = strings.Cut(rest, "\n")
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			frame.Body = rest
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		frame.Headers = append(frame.Headers, Header{
			Key:   strings.TrimSpace(key),
			Value: strings.TrimSpace(value),
		})
	}
	return frame, nil
}

// String 返回帧的文本形式，不包含帧结束符
func (f *Frame) String() string {
	var sb strings.Builder
	sb.Grow(len(f.Command) + len(f.Body) + 16*len(f.Headers) + 2)
	sb.WriteString(string(f.Command))
	sb.WriteByte('\n')
	for _, header := range f.Headers {
		sb.WriteString(header.Key)
		sb.WriteByte(':')
		sb.WriteString(header.Value)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(f.Body)
	return sb.String()
}

// Marshal 编码为线上字节流，以帧结束符结尾
func (f *Frame) Marshal() []byte {
	text := f.String()
	data := make([]byte, 0, len(text)+1)
	data = append(data, text...)
	return append(data, Terminator)
}

// NewConnectedFrame 创建 CONNECTED 帧
func NewConnectedFrame() *Frame {
	return NewFrame(CONNECTED, HeaderVersion, Version)
}

// NewReceiptFrame 创建 RECEIPT 帧
func NewReceiptFrame(receiptID string) *Frame {
	return NewFrame(RECEIPT, HeaderReceiptID, receiptID)
}

// NewMessageFrame 创建 MESSAGE 帧，subscription 由扇出时按订阅者填写
func NewMessageFrame(subscription, messageID, destination, body string) *Frame {
	frame := NewFrame(MESSAGE,
		HeaderSubscription, subscription,
		HeaderMessageID, messageID,
		HeaderDestination, destination,
	)
	frame.Body = body
	return frame
}

// NewErrorFrame 创建 ERROR 帧
func NewErrorFrame(summary, detail string) *Frame {
	frame := NewFrame(ERROR, HeaderMessage, summary)
	frame.Body = "The details:\n" + detail
	return frame
}
