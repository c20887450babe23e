package model

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/adamwdraper/the-narrator/common/id"
)

const DefaultThreadTitle = "Untitled Thread"

// Thread is an ordered conversation. A Thread is not safe for concurrent
// mutation; callers sharing one must serialize access.
//
// Messages holds at most one system message, always at index 0 with
// sequence 0 and turn 0. Every other message is appended in insertion order
// with sequence numbers starting at 1.
type Thread struct {
	ID         string                    `json:"id"`
	Title      string                    `json:"title"`
	Attributes map[string]any            `json:"attributes"`
	Platforms  map[string]map[string]any `json:"platforms"`
	Messages   []*Message                `json:"messages"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

func NewThread(title string) *Thread {
	if title == "" {
		title = DefaultThreadTitle
	}
	now := time.Now().UTC()
	return &Thread{
		ID:         id.New(),
		Title:      title,
		Attributes: make(map[string]any),
		Platforms:  make(map[string]map[string]any),
		Messages:   []*Message{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// touch advances UpdatedAt without ever moving it backwards.
func (t *Thread) touch() {
	if now := time.Now().UTC(); now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
}

func (t *Thread) SetTitle(title string) {
	t.Title = title
	t.touch()
}

func (t *Thread) SetAttribute(key string, value any) {
	if t.Attributes == nil {
		t.Attributes = make(map[string]any)
	}
	t.Attributes[key] = value
	t.touch()
}

func (t *Thread) SetPlatform(name string, ref map[string]any) {
	if t.Platforms == nil {
		t.Platforms = make(map[string]map[string]any)
	}
	t.Platforms[name] = ref
	t.touch()
}

// AddMessage inserts m and assigns its sequence and turn. With sameTurn the
// message joins the turn of the latest non-system message, if there is one.
// A derived id is recomputed from the assigned position. A second system
// message or an id already in the thread is rejected with ErrConflict.
func (t *Thread) AddMessage(m *Message, sameTurn bool) error {
	if err := t.checkInsertable(m); err != nil {
		return err
	}
	if m.Role == RoleSystem && t.SystemMessage() != nil {
		return fmt.Errorf("%w: thread %s already has a system message", ErrConflict, t.ID)
	}

	if err := t.insert(m, sameTurn); err != nil {
		return err
	}
	t.touch()
	return nil
}

// AddMessages inserts a batch that shares one new turn. A rejected batch
// leaves the thread and every message in it unchanged.
func (t *Thread) AddMessages(batch []*Message) error {
	seen := make(map[*Message]bool, len(batch))
	hasSystem := t.SystemMessage() != nil
	for _, m := range batch {
		if err := t.checkInsertable(m); err != nil {
			return err
		}
		if seen[m] {
			return fmt.Errorf("%w: message %s appears twice in batch", ErrConflict, m.ID)
		}
		seen[m] = true
		if m.Role == RoleSystem {
			if hasSystem {
				return fmt.Errorf("%w: thread %s already has a system message", ErrConflict, t.ID)
			}
			hasSystem = true
		}
	}

	before := slices.Clone(t.Messages)
	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}

	first := true
	for i, m := range batch {
		sameTurn := false
		if m.Role != RoleSystem {
			sameTurn = !first
			first = false
		}
		if err := t.insert(m, sameTurn); err != nil {
			t.Messages = before
			for j := 0; j < i; j++ {
				batch[j].ID, batch[j].Sequence, batch[j].Turn = ids[j], nil, nil
			}
			return err
		}
	}
	if len(batch) > 0 {
		t.touch()
	}
	return nil
}

func (t *Thread) checkInsertable(m *Message) error {
	if m == nil {
		return invalid("message", "nil message")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Sequence != nil || m.Turn != nil {
		return invalid("message", "message %s already belongs to a thread", m.ID)
	}
	return nil
}

// insert places m at the next position. m is left untouched on conflict.
func (t *Thread) insert(m *Message, sameTurn bool) error {
	seq, turn := t.nextPosition(m.Role, sameTurn)
	id := m.idAt(seq, turn)
	if t.MessageByID(id) != nil {
		return fmt.Errorf("%w: message %s already in thread %s", ErrConflict, id, t.ID)
	}

	m.ID = id
	m.Sequence = intPtr(seq)
	m.Turn = intPtr(turn)
	if m.Role == RoleSystem {
		t.Messages = slices.Insert(t.Messages, 0, m)
		return nil
	}
	t.Messages = append(t.Messages, m)
	return nil
}

func (t *Thread) nextPosition(role Role, sameTurn bool) (seq, turn int) {
	if role == RoleSystem {
		return 0, 0
	}

	maxSeq, maxTurn := 0, 0
	var last *Message
	for _, existing := range t.Messages {
		if existing.Role == RoleSystem {
			continue
		}
		last = existing
		if existing.Sequence != nil && *existing.Sequence > maxSeq {
			maxSeq = *existing.Sequence
		}
		if existing.Turn != nil && *existing.Turn > maxTurn {
			maxTurn = *existing.Turn
		}
	}

	turn = maxTurn + 1
	if sameTurn && last != nil && last.Turn != nil {
		turn = *last.Turn
	}
	return maxSeq + 1, turn
}

func (t *Thread) SystemMessage() *Message {
	if len(t.Messages) > 0 && t.Messages[0].Role == RoleSystem {
		return t.Messages[0]
	}
	return nil
}

func (t *Thread) MessageByID(id string) *Message {
	for _, m := range t.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// MessagesInSequence returns the messages ordered by sequence, system first.
func (t *Thread) MessagesInSequence() []*Message {
	out := slices.Clone(t.Messages)
	sort.SliceStable(out, func(i, j int) bool {
		return seqOf(out[i]) < seqOf(out[j])
	})
	return out
}

// CurrentTurn is the turn of the latest non-system message, or 0.
func (t *Thread) CurrentTurn() int {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		m := t.Messages[i]
		if m.Role != RoleSystem && m.Turn != nil {
			return *m.Turn
		}
	}
	return 0
}

func (t *Thread) MessagesByTurn(turn int) []*Message {
	var out []*Message
	for _, m := range t.MessagesInSequence() {
		if m.Turn != nil && *m.Turn == turn {
			out = append(out, m)
		}
	}
	return out
}

type TurnSummary struct {
	Turn         int          `json:"turn"`
	MessageCount int          `json:"message_count"`
	Roles        map[Role]int `json:"roles"`
}

// TurnsSummary covers every non-zero turn, in ascending turn order.
func (t *Thread) TurnsSummary() []TurnSummary {
	byTurn := make(map[int]*TurnSummary)
	for _, m := range t.Messages {
		if m.Turn == nil || *m.Turn == 0 {
			continue
		}
		s, ok := byTurn[*m.Turn]
		if !ok {
			s = &TurnSummary{Turn: *m.Turn, Roles: make(map[Role]int)}
			byTurn[*m.Turn] = s
		}
		s.MessageCount++
		s.Roles[m.Role]++
	}

	out := make([]TurnSummary, 0, len(byTurn))
	for _, s := range byTurn {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Turn < out[j].Turn })
	return out
}

// ChatCompletionMessages projects every non-system message in sequence order.
func (t *Thread) ChatCompletionMessages() []ChatMessage {
	var out []ChatMessage
	for _, m := range t.MessagesInSequence() {
		if m.Role == RoleSystem {
			continue
		}
		out = append(out, m.ChatMessage())
	}
	return out
}

// AddReaction reports false when the reaction was already present.
func (t *Thread) AddReaction(messageID, label, reactor string) (bool, error) {
	m := t.MessageByID(messageID)
	if m == nil {
		return false, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	added := m.AddReaction(label, reactor)
	if added {
		t.touch()
	}
	return added, nil
}

// RemoveReaction reports false when the reaction was not present.
func (t *Thread) RemoveReaction(messageID, label, reactor string) (bool, error) {
	m := t.MessageByID(messageID)
	if m == nil {
		return false, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	removed := m.RemoveReaction(label, reactor)
	if removed {
		t.touch()
	}
	return removed, nil
}

func (t *Thread) Reactions(messageID string) (map[string][]string, error) {
	m := t.MessageByID(messageID)
	if m == nil {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	out := make(map[string][]string, len(m.Reactions))
	for label, reactors := range m.Reactions {
		out[label] = slices.Clone(reactors)
	}
	return out, nil
}

// WithoutSystemMessage returns a shallow copy whose message list excludes the
// system message. Messages are shared with t.
func (t *Thread) WithoutSystemMessage() *Thread {
	cp := *t
	cp.Messages = make([]*Message, 0, len(t.Messages))
	for _, m := range t.Messages {
		if m.Role != RoleSystem {
			cp.Messages = append(cp.Messages, m)
		}
	}
	return &cp
}

func seqOf(m *Message) int {
	if m.Sequence == nil {
		return -1
	}
	return *m.Sequence
}
