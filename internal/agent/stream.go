package agent

import (
	"encoding/json"
	"strings"

	"github.com/basket/clawremote/internal/protocol"
)

// lineKind classifies one line of agent stdout.
type lineKind int

const (
	lineOutput lineKind = iota
	linePermission
	lineProgress
	lineSession
)

type parsedLine struct {
	kind       lineKind
	output     protocol.AgentOutput
	permission protocol.PermissionRequest
	progress   protocol.ProgressEvent
	sessionID  string
}

// streamMessage is the union of the stream-json shapes we look at.
type streamMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	Text      string `json:"text"`
	Message   *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseLine turns a stdout line into an event. Lines that are not JSON are
// plain output.
func parseLine(line []byte) parsedLine {
	trimmed := strings.TrimSpace(string(line))
	if !strings.HasPrefix(trimmed, "{") {
		return parsedLine{kind: lineOutput, output: protocol.AgentOutput{Text: string(line), Stream: "stdout"}}
	}
	var msg streamMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return parsedLine{kind: lineOutput, output: protocol.AgentOutput{Text: string(line), Stream: "stdout"}}
	}

	switch msg.Type {
	case "permission_request":
		var req protocol.PermissionRequest
		if err := json.Unmarshal([]byte(trimmed), &req); err == nil && req.ID != "" {
			return parsedLine{kind: linePermission, permission: req}
		}
	case "progress", "progress_event":
		var ev protocol.ProgressEvent
		if err := json.Unmarshal([]byte(trimmed), &ev); err == nil && ev.NodeID != "" {
			return parsedLine{kind: lineProgress, progress: ev}
		}
	case "system":
		if msg.Subtype == "init" && msg.SessionID != "" {
			return parsedLine{kind: lineSession, sessionID: msg.SessionID}
		}
	}

	out := protocol.AgentOutput{
		Text:       messageText(msg),
		Stream:     "stdout",
		Structured: json.RawMessage(trimmed),
	}
	return parsedLine{kind: lineOutput, output: out}
}

func messageText(msg streamMessage) string {
	switch {
	case msg.Result != "":
		return msg.Result
	case msg.Text != "":
		return msg.Text
	case msg.Message == nil || len(msg.Message.Content) == 0:
		return ""
	}
	var s string
	if err := json.Unmarshal(msg.Message.Content, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(msg.Message.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

func encodeCommand(text string) ([]byte, error) {
	var m userMessage
	m.Type = "user"
	m.Message.Role = "user"
	m.Message.Content = text
	return marshalLine(m)
}

func encodeDecision(requestID string, d protocol.Decision) ([]byte, error) {
	return marshalLine(struct {
		Type      string            `json:"type"`
		RequestID string            `json:"request_id"`
		Decision  protocol.Decision `json:"decision"`
	}{"permission_response", requestID, d})
}

func marshalLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
