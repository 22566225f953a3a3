package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Socket.IO events exchanged with the coordinator
const (
	EventServerLogs      = "server_logs"
	EventServerLogUpdate = "server_log_update"
	EventNodeLogUpdate   = "node_log_update"
	EventRequestLogs     = "request_logs"
)

// Engine.IO packet types
const (
	enginePacketOpen    = '0'
	enginePacketClose   = '1'
	enginePacketPing    = '2'
	enginePacketPong    = '3'
	enginePacketMessage = '4'
	enginePacketUpgrade = '5'
	enginePacketNoop    = '6'
)

// Socket.IO packet types, carried inside an Engine.IO message
const (
	socketPacketConnect      = '0'
	socketPacketDisconnect   = '1'
	socketPacketEvent        = '2'
	socketPacketAck          = '3'
	socketPacketConnectError = '4'
)

// FrameKind identifies a decoded websocket frame
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameOpen
	FrameClose
	FramePing
	FramePong
	FrameConnect
	FrameConnectError
	FrameDisconnect
	FrameEvent
	FrameIgnored
)

func (k FrameKind) String() string {
	switch k {
	case FrameOpen:
		return "open"
	case FrameClose:
		return "close"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameConnect:
		return "connect"
	case FrameConnectError:
		return "connect_error"
	case FrameDisconnect:
		return "disconnect"
	case FrameEvent:
		return "event"
	case FrameIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Handshake is the payload of the Engine.IO open packet. Intervals are in
// milliseconds.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// PingDeadline is how long the client may wait for the next server ping
// before treating the connection as lost.
func (h Handshake) PingDeadline() time.Duration {
	return time.Duration(h.PingInterval+h.PingTimeout) * time.Millisecond
}

// Frame is one decoded websocket text frame
type Frame struct {
	Kind      FrameKind
	Event     string
	Data      gjson.Result
	Handshake Handshake
	Raw       string
}

// DecodeFrame parses a Socket.IO v4 text frame
func DecodeFrame(data []byte) (Frame, error) {
	raw := string(data)
	frame := Frame{Raw: raw}
	if len(raw) == 0 {
		return frame, fmt.Errorf("empty frame")
	}

	switch raw[0] {
	case enginePacketOpen:
		if err := json.Unmarshal([]byte(raw[1:]), &frame.Handshake); err != nil {
			return frame, fmt.Errorf("decoding open packet: %w", err)
		}
		frame.Kind = FrameOpen
		return frame, nil
	case enginePacketClose:
		frame.Kind = FrameClose
		return frame, nil
	case enginePacketPing:
		frame.Kind = FramePing
		return frame, nil
	case enginePacketPong:
		frame.Kind = FramePong
		return frame, nil
	case enginePacketUpgrade, enginePacketNoop:
		frame.Kind = FrameIgnored
		return frame, nil
	case enginePacketMessage:
		return decodeSocketPacket(frame, raw[1:])
	default:
		return frame, fmt.Errorf("unknown engine packet type %q", raw[0])
	}
}

func decodeSocketPacket(frame Frame, body string) (Frame, error) {
	if len(body) == 0 {
		return frame, fmt.Errorf("empty socket packet")
	}
	packetType := body[0]
	body = stripNamespace(body[1:])

	switch packetType {
	case socketPacketConnect:
		frame.Kind = FrameConnect
		if body != "" {
			frame.Data = gjson.Parse(body)
		}
		return frame, nil
	case socketPacketConnectError:
		frame.Kind = FrameConnectError
		if body != "" {
			frame.Data = gjson.Parse(body)
		}
		return frame, nil
	case socketPacketDisconnect:
		frame.Kind = FrameDisconnect
		return frame, nil
	case socketPacketAck:
		frame.Kind = FrameIgnored
		return frame, nil
	case socketPacketEvent:
	default:
		return frame, fmt.Errorf("unsupported socket packet type %q", packetType)
	}

	// Ack id digits may precede the argument array
	body = strings.TrimLeft(body, "0123456789")
	if !gjson.Valid(body) {
		return frame, fmt.Errorf("event payload is not valid JSON")
	}
	args := gjson.Parse(body)
	if !args.IsArray() {
		return frame, fmt.Errorf("event payload is not an array")
	}
	name := args.Get("0")
	if name.Type != gjson.String || name.Str == "" {
		return frame, fmt.Errorf("event has no name")
	}

	frame.Kind = FrameEvent
	frame.Event = name.Str
	frame.Data = args.Get("1")
	return frame, nil
}

// stripNamespace drops a leading "/nsp," segment. Only the default
// namespace is used, so the value itself is ignored.
func stripNamespace(body string) string {
	if !strings.HasPrefix(body, "/") {
		return body
	}
	if idx := strings.IndexByte(body, ','); idx >= 0 {
		return body[idx+1:]
	}
	return ""
}

// ConnectFrame asks the server to join the default namespace
func ConnectFrame() []byte {
	return []byte{enginePacketMessage, socketPacketConnect}
}

// PingFrame is sent by the server to check the connection
func PingFrame() []byte {
	return []byte{enginePacketPing}
}

// PongFrame answers a server ping
func PongFrame() []byte {
	return []byte{enginePacketPong}
}

// OpenFrame encodes the Engine.IO open packet a server sends first
func OpenFrame(h Handshake) ([]byte, error) {
	payload, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return append([]byte{enginePacketOpen}, payload...), nil
}

// ConnectAckFrame encodes the server's namespace connect acknowledgement
func ConnectAckFrame(sid string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"sid": sid})
	if err != nil {
		return nil, err
	}
	return append([]byte{enginePacketMessage, socketPacketConnect}, payload...), nil
}

// EncodeEvent encodes an event with its arguments
func EncodeEvent(name string, args ...any) ([]byte, error) {
	values := make([]any, 0, len(args)+1)
	values = append(values, name)
	values = append(values, args...)
	payload, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encoding event %s: %w", name, err)
	}
	return append([]byte{enginePacketMessage, socketPacketEvent}, payload...), nil
}

// NodeLogUpdate is the decoded node_log_update payload
type NodeLogUpdate struct {
	NodeID  string
	Text    string
	LogType string
}

// DecodeBacklog reads the server_logs payload
func DecodeBacklog(data gjson.Result) ([]string, error) {
	if !data.IsObject() {
		return nil, fmt.Errorf("server_logs payload is not an object")
	}
	logs := data.Get("central_logs")
	if !logs.IsArray() {
		return nil, fmt.Errorf("server_logs payload has no central_logs array")
	}
	lines := make([]string, 0, len(logs.Array()))
	for _, line := range logs.Array() {
		if line.Type != gjson.String {
			return nil, fmt.Errorf("central_logs contains a non-string entry")
		}
		lines = append(lines, line.Str)
	}
	return lines, nil
}

// DecodeServerLog reads the server_log_update payload
func DecodeServerLog(data gjson.Result) (string, error) {
	switch {
	case data.Type == gjson.String:
		return data.Str, nil
	case data.IsObject() && data.Get("log").Type == gjson.String:
		return data.Get("log").Str, nil
	default:
		return "", fmt.Errorf("server_log_update payload is not a string")
	}
}

// DecodeNodeLog reads the node_log_update payload. The log field is either a
// {log, log_type} object or a bare string.
func DecodeNodeLog(data gjson.Result) (NodeLogUpdate, error) {
	var update NodeLogUpdate
	if !data.IsObject() {
		return update, fmt.Errorf("node_log_update payload is not an object")
	}

	id := data.Get("node_id")
	switch id.Type {
	case gjson.String:
		update.NodeID = id.Str
	case gjson.Number:
		update.NodeID = id.Raw
	default:
		return update, fmt.Errorf("node_log_update has no node_id")
	}
	if update.NodeID == "" {
		return update, fmt.Errorf("node_log_update has an empty node_id")
	}

	entry := data.Get("log")
	switch {
	case entry.Type == gjson.String:
		update.Text = entry.Str
		update.LogType = LogTypeNode
	case entry.IsObject() && entry.Get("log").Type == gjson.String:
		update.Text = entry.Get("log").Str
		update.LogType = entry.Get("log_type").String()
		if update.LogType == "" {
			update.LogType = LogTypeNode
		}
	default:
		return update, fmt.Errorf("node_log_update for %s has no log text", update.NodeID)
	}
	return update, nil
}
