package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall is a function invocation issued by an assistant message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Source identifies who or what produced a message.
type Source struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Type       string         `json:"type,omitempty"` // user | agent | tool
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Timing struct {
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	LatencyMS float64   `json:"latency_ms"`
}

type Metrics struct {
	Model  string `json:"model,omitempty"`
	Usage  Usage  `json:"usage"`
	Timing Timing `json:"timing"`
}

// Message is one entry of a thread. Sequence and Turn stay nil until the
// owning Thread assigns them and are never renumbered afterwards.
type Message struct {
	ID          string                    `json:"id"`
	Role        Role                      `json:"role"`
	Content     Content                   `json:"content"`
	Timestamp   time.Time                 `json:"timestamp"`
	Sequence    *int                      `json:"sequence"`
	Turn        *int                      `json:"turn"`
	ToolCallID  string                    `json:"tool_call_id,omitempty"`
	Name        string                    `json:"name,omitempty"`
	ToolCalls   []ToolCall                `json:"tool_calls,omitempty"`
	Source      *Source                   `json:"source,omitempty"`
	Metrics     *Metrics                  `json:"metrics,omitempty"`
	Platforms   map[string]map[string]any `json:"platforms,omitempty"`
	Attachments []*Attachment             `json:"attachments,omitempty"`
	Reactions   map[string][]string       `json:"reactions"`

	// derivedID marks an id NewMessage computed; the owning thread derives it
	// again once sequence and turn are known.
	derivedID bool
}

type MessageOption func(*Message)

func WithToolCallID(id string) MessageOption {
	return func(m *Message) { m.ToolCallID = id }
}

func WithName(name string) MessageOption {
	return func(m *Message) { m.Name = name }
}

func WithToolCalls(calls ...ToolCall) MessageOption {
	return func(m *Message) { m.ToolCalls = append(m.ToolCalls, calls...) }
}

func WithSource(src Source) MessageOption {
	return func(m *Message) { m.Source = &src }
}

func WithMetrics(metrics Metrics) MessageOption {
	return func(m *Message) { m.Metrics = &metrics }
}

func WithAttachments(attachments ...*Attachment) MessageOption {
	return func(m *Message) { m.Attachments = append(m.Attachments, attachments...) }
}

func WithPlatform(name string, ref map[string]any) MessageOption {
	return func(m *Message) {
		if m.Platforms == nil {
			m.Platforms = make(map[string]map[string]any)
		}
		m.Platforms[name] = ref
	}
}

func WithTimestamp(ts time.Time) MessageOption {
	return func(m *Message) { m.Timestamp = ts.UTC() }
}

// WithID overrides the derived id.
func WithID(id string) MessageOption {
	return func(m *Message) { m.ID = id }
}

// NewMessage validates and builds a message. Unless WithID is given the id is
// derived from role, content, sequence, turn, timestamp and source, and is
// derived again when a thread places the message.
func NewMessage(role Role, content Content, opts ...MessageOption) (*Message, error) {
	m := &Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Reactions: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	if m.ID == "" {
		m.ID = DeriveMessageID(m)
		m.derivedID = true
	}
	return m, nil
}

func (m *Message) Validate() error {
	if !m.Role.Valid() {
		return invalid("role", "%q is not one of system, user, assistant, tool", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return invalid("tool_call_id", "required for tool messages")
	}
	if err := m.Content.Validate(); err != nil {
		return err
	}
	for _, a := range m.Attachments {
		if a == nil {
			return invalid("attachments", "nil attachment")
		}
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DeriveMessageID hashes the identity-bearing fields of m.
func DeriveMessageID(m *Message) string {
	payload, _ := json.Marshal(struct {
		Role      Role      `json:"role"`
		Content   Content   `json:"content"`
		Sequence  *int      `json:"sequence"`
		Turn      *int      `json:"turn"`
		Timestamp time.Time `json:"timestamp"`
		Source    *Source   `json:"source"`
	}{m.Role, m.Content, m.Sequence, m.Turn, m.Timestamp, m.Source})

	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

// idAt is the id m would carry at the given position.
func (m *Message) idAt(seq, turn int) string {
	if !m.derivedID {
		return m.ID
	}
	placed := *m
	placed.Sequence, placed.Turn = &seq, &turn
	return DeriveMessageID(&placed)
}

// AddReaction reports false when reactor already reacted with label.
func (m *Message) AddReaction(label, reactor string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	if slices.Contains(m.Reactions[label], reactor) {
		return false
	}
	m.Reactions[label] = append(m.Reactions[label], reactor)
	return true
}

// RemoveReaction reports false when the pair was not present.
func (m *Message) RemoveReaction(label, reactor string) bool {
	reactors := m.Reactions[label]
	i := slices.Index(reactors, reactor)
	if i < 0 {
		return false
	}
	reactors = slices.Delete(reactors, i, i+1)
	if len(reactors) == 0 {
		delete(m.Reactions, label)
	} else {
		m.Reactions[label] = reactors
	}
	return true
}

// ChatMessage is the chat-completion projection of a message. It carries no
// turn or other bookkeeping fields.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    Content    `json:"content"`
	Sequence   int        `json:"sequence"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

func (m *Message) ChatMessage() ChatMessage {
	cm := ChatMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		ToolCalls:  m.ToolCalls,
	}
	if m.Sequence != nil {
		cm.Sequence = *m.Sequence
	}
	return cm
}

func intPtr(v int) *int {
	return &v
}
