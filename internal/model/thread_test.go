package model_test

import (
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/adamwdraper/the-narrator/internal/model"
)

func seqs(msgs []*model.Message) []int {
	out := make([]int, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m.Sequence)
	}
	return out
}

var _ = Describe("Thread", func() {
	var thread *model.Thread

	BeforeEach(func() {
		thread = model.NewThread("")
	})

	Describe("NewThread", func() {
		It("should assign an id and the default title", func() {
			Expect(thread.ID).NotTo(BeEmpty())
			Expect(thread.Title).To(Equal(model.DefaultThreadTitle))
			Expect(thread.Messages).To(BeEmpty())
			Expect(thread.CreatedAt).To(BeTemporally("==", thread.UpdatedAt))
		})

		It("should give each thread a distinct id", func() {
			Expect(model.NewThread("a").ID).NotTo(Equal(model.NewThread("b").ID))
		})
	})

	Describe("AddMessage", func() {
		It("should number non-system messages 1..N in insertion order", func() {
			for _, text := range []string{"one", "two", "three", "four"} {
				Expect(thread.AddMessage(mustMessage(model.RoleUser, text), false)).To(Succeed())
			}

			Expect(seqs(thread.Messages)).To(Equal([]int{1, 2, 3, 4}))
		})

		It("should allocate a new turn by default", func() {
			Expect(thread.AddMessage(mustMessage(model.RoleUser, "Q1"), false)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleAssistant, "A1"), false)).To(Succeed())

			Expect(*thread.Messages[0].Turn).To(Equal(1))
			Expect(*thread.Messages[1].Turn).To(Equal(2))
		})

		It("should reuse the previous turn with sameTurn", func() {
			Expect(thread.AddMessage(mustMessage(model.RoleUser, "Q1"), false)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleAssistant, "A1"), true)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleAssistant, "A2"), true)).To(Succeed())

			byTurn := thread.MessagesByTurn(1)
			Expect(byTurn).To(HaveLen(3))
			Expect(byTurn[0].Content.String()).To(Equal("Q1"))
			Expect(byTurn[1].Content.String()).To(Equal("A1"))
			Expect(byTurn[2].Content.String()).To(Equal("A2"))
			Expect(thread.CurrentTurn()).To(Equal(1))
		})

		It("should start turn 1 when sameTurn is set on an empty thread", func() {
			Expect(thread.AddMessage(mustMessage(model.RoleUser, "first"), true)).To(Succeed())
			Expect(*thread.Messages[0].Turn).To(Equal(1))
		})

		Context("when adding a system message", func() {
			It("should place it first with sequence 0 and turn 0", func() {
				Expect(thread.AddMessage(mustMessage(model.RoleUser, "hello"), false)).To(Succeed())
				Expect(thread.AddMessage(mustMessage(model.RoleAssistant, "hi"), false)).To(Succeed())
				Expect(thread.AddMessage(mustMessage(model.RoleSystem, "be nice"), false)).To(Succeed())

				Expect(thread.Messages[0].Role).To(Equal(model.RoleSystem))
				Expect(*thread.Messages[0].Sequence).To(Equal(0))
				Expect(*thread.Messages[0].Turn).To(Equal(0))
				Expect(seqs(thread.Messages)).To(Equal([]int{0, 1, 2}))
				Expect(thread.SystemMessage()).To(BeIdenticalTo(thread.Messages[0]))
			})

			It("should not count toward the current turn", func() {
				Expect(thread.AddMessage(mustMessage(model.RoleSystem, "sys"), false)).To(Succeed())
				Expect(thread.CurrentTurn()).To(Equal(0))

				Expect(thread.AddMessage(mustMessage(model.RoleUser, "q"), true)).To(Succeed())
				Expect(*thread.Messages[1].Sequence).To(Equal(1))
				Expect(*thread.Messages[1].Turn).To(Equal(1))
			})

			It("should reject a second system message with a conflict", func() {
				Expect(thread.AddMessage(mustMessage(model.RoleSystem, "first"), false)).To(Succeed())

				err := thread.AddMessage(mustMessage(model.RoleSystem, "second"), false)
				Expect(errors.Is(err, model.ErrConflict)).To(BeTrue())
				Expect(thread.Messages).To(HaveLen(1))
				Expect(thread.SystemMessage().Content.String()).To(Equal("first"))
			})
		})

		It("should reject a message that already belongs to a thread", func() {
			m := mustMessage(model.RoleUser, "once")
			Expect(thread.AddMessage(m, false)).To(Succeed())

			other := model.NewThread("other")
			err := other.AddMessage(m, false)
			Expect(errors.Is(err, model.ErrValidation)).To(BeTrue())
			Expect(*m.Sequence).To(Equal(1))
		})

		It("should reject a nil message", func() {
			Expect(errors.Is(thread.AddMessage(nil, false), model.ErrValidation)).To(BeTrue())
		})

		It("should give identical messages with one timestamp distinct ids", func() {
			ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			a := mustMessage(model.RoleUser, "again", model.WithTimestamp(ts))
			b := mustMessage(model.RoleUser, "again", model.WithTimestamp(ts))
			c := mustMessage(model.RoleUser, "again", model.WithTimestamp(ts))
			Expect(a.ID).To(Equal(b.ID))

			Expect(thread.AddMessage(a, false)).To(Succeed())
			Expect(thread.AddMessage(b, false)).To(Succeed())
			Expect(thread.AddMessage(c, true)).To(Succeed())

			Expect(a.ID).To(HaveLen(64))
			Expect(a.ID).NotTo(Equal(b.ID))
			Expect(b.ID).NotTo(Equal(c.ID))
			Expect(thread.MessageByID(c.ID)).To(BeIdenticalTo(c))
		})

		It("should keep an explicit id and reject it twice", func() {
			Expect(thread.AddMessage(mustMessage(model.RoleUser, "one", model.WithID("msg-1")), false)).To(Succeed())

			dup := mustMessage(model.RoleUser, "two", model.WithID("msg-1"))
			err := thread.AddMessage(dup, false)
			Expect(errors.Is(err, model.ErrConflict)).To(BeTrue())
			Expect(dup.Sequence).To(BeNil())
			Expect(thread.Messages).To(HaveLen(1))
			Expect(thread.Messages[0].ID).To(Equal("msg-1"))
		})

		It("should advance UpdatedAt but never CreatedAt", func() {
			created := thread.CreatedAt
			before := thread.UpdatedAt
			time.Sleep(2 * time.Millisecond)

			Expect(thread.AddMessage(mustMessage(model.RoleUser, "tick"), false)).To(Succeed())

			Expect(thread.CreatedAt).To(BeTemporally("==", created))
			Expect(thread.UpdatedAt).To(BeTemporally(">", before))
		})
	})

	Describe("AddMessages", func() {
		It("should put the whole batch in one new turn", func() {
			Expect(thread.AddMessage(mustMessage(model.RoleUser, "earlier"), false)).To(Succeed())
			before := thread.CurrentTurn()

			batch := []*model.Message{
				mustMessage(model.RoleUser, "m1"),
				mustMessage(model.RoleAssistant, "m2"),
				mustMessage(model.RoleAssistant, "m3"),
			}
			Expect(thread.AddMessages(batch)).To(Succeed())

			for _, m := range batch {
				Expect(*m.Turn).To(Equal(before + 1))
			}
			Expect(seqs(batch)).To(Equal([]int{2, 3, 4}))
		})

		It("should leave the thread unchanged when any message is rejected", func() {
			Expect(thread.AddMessage(mustMessage(model.RoleSystem, "sys"), false)).To(Succeed())

			batch := []*model.Message{
				mustMessage(model.RoleUser, "ok"),
				mustMessage(model.RoleSystem, "another system"),
			}
			err := thread.AddMessages(batch)

			Expect(errors.Is(err, model.ErrConflict)).To(BeTrue())
			Expect(thread.Messages).To(HaveLen(1))
			Expect(batch[0].Sequence).To(BeNil())
		})

		It("should restore ids when a late message in the batch conflicts", func() {
			Expect(thread.AddMessage(mustMessage(model.RoleUser, "kept", model.WithID("taken")), false)).To(Succeed())

			ok := mustMessage(model.RoleUser, "fine")
			derived := ok.ID
			batch := []*model.Message{ok, mustMessage(model.RoleAssistant, "clash", model.WithID("taken"))}

			err := thread.AddMessages(batch)
			Expect(errors.Is(err, model.ErrConflict)).To(BeTrue())
			Expect(thread.Messages).To(HaveLen(1))
			Expect(ok.ID).To(Equal(derived))
			Expect(ok.Sequence).To(BeNil())
			Expect(ok.Turn).To(BeNil())
		})

		It("should reject the same message twice in a batch", func() {
			m := mustMessage(model.RoleUser, "twice")
			err := thread.AddMessages([]*model.Message{m, m})
			Expect(errors.Is(err, model.ErrConflict)).To(BeTrue())
			Expect(thread.Messages).To(BeEmpty())
		})

		It("should home a system message in the batch at index 0", func() {
			batch := []*model.Message{
				mustMessage(model.RoleSystem, "sys"),
				mustMessage(model.RoleUser, "q"),
				mustMessage(model.RoleAssistant, "a"),
			}
			Expect(thread.AddMessages(batch)).To(Succeed())

			Expect(thread.Messages[0].Role).To(Equal(model.RoleSystem))
			Expect(*batch[1].Turn).To(Equal(1))
			Expect(*batch[2].Turn).To(Equal(1))
		})
	})

	Describe("TurnsSummary", func() {
		It("should count messages and roles per non-zero turn", func() {
			Expect(thread.AddMessage(mustMessage(model.RoleSystem, "sys"), false)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleUser, "q1"), false)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleAssistant, "a1"), true)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleTool, "t1", model.WithToolCallID("call_1")), true)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleUser, "q2"), false)).To(Succeed())

			summary := thread.TurnsSummary()
			Expect(summary).To(HaveLen(2))
			Expect(summary[0].Turn).To(Equal(1))
			Expect(summary[0].MessageCount).To(Equal(3))
			Expect(summary[0].Roles).To(Equal(map[model.Role]int{
				model.RoleUser: 1, model.RoleAssistant: 1, model.RoleTool: 1,
			}))
			Expect(summary[1].Turn).To(Equal(2))
			Expect(summary[1].MessageCount).To(Equal(1))
		})
	})

	Describe("ChatCompletionMessages", func() {
		It("should skip the system message and never carry a turn", func() {
			Expect(thread.AddMessage(mustMessage(model.RoleSystem, "sys"), false)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleUser, "q"), false)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleAssistant, "a",
				model.WithToolCalls(model.ToolCall{ID: "call_1", Type: "function",
					Function: model.ToolFunction{Name: "search", Arguments: `{"q":"go"}`}})), true)).To(Succeed())

			chat := thread.ChatCompletionMessages()
			Expect(chat).To(HaveLen(2))
			Expect(chat[0].Role).To(Equal(model.RoleUser))
			Expect(chat[0].Sequence).To(Equal(1))
			Expect(chat[1].ToolCalls).To(HaveLen(1))

			raw, err := json.Marshal(chat)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).NotTo(ContainSubstring("turn"))
			Expect(string(raw)).NotTo(ContainSubstring("system"))
		})
	})

	Describe("reactions", func() {
		var msg *model.Message

		BeforeEach(func() {
			msg = mustMessage(model.RoleUser, "react to me")
			Expect(thread.AddMessage(msg, false)).To(Succeed())
		})

		It("should treat a duplicate reaction as already present", func() {
			added, err := thread.AddReaction(msg.ID, ":thumbsup:", "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue())

			added, err = thread.AddReaction(msg.ID, ":thumbsup:", "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeFalse())

			reactions, err := thread.Reactions(msg.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(reactions[":thumbsup:"]).To(Equal([]string{"alice"}))
		})

		It("should report a missing reaction as not present", func() {
			removed, err := thread.RemoveReaction(msg.ID, ":heart:", "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(BeFalse())
		})

		It("should drop the label once its last reactor is removed", func() {
			_, _ = thread.AddReaction(msg.ID, ":heart:", "bob")
			removed, err := thread.RemoveReaction(msg.ID, ":heart:", "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(BeTrue())
			Expect(msg.Reactions).NotTo(HaveKey(":heart:"))
		})

		It("should fail for an unknown message", func() {
			_, err := thread.AddReaction("nope", ":x:", "carol")
			Expect(errors.Is(err, model.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("WithoutSystemMessage", func() {
		It("should drop only the system message and leave the original alone", func() {
			Expect(thread.AddMessage(mustMessage(model.RoleSystem, "sys"), false)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleUser, "q"), false)).To(Succeed())

			durable := thread.WithoutSystemMessage()

			Expect(durable.Messages).To(HaveLen(1))
			Expect(durable.Messages[0].Role).To(Equal(model.RoleUser))
			Expect(durable.ID).To(Equal(thread.ID))
			Expect(thread.Messages).To(HaveLen(2))
		})
	})

	Describe("statistics", func() {
		BeforeEach(func() {
			Expect(thread.AddMessage(mustMessage(model.RoleUser, "q"), false)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleAssistant, "a1",
				model.WithMetrics(model.Metrics{
					Model:  "gpt-4.1",
					Usage:  model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
					Timing: model.Timing{LatencyMS: 100},
				}),
				model.WithToolCalls(model.ToolCall{ID: "c1", Type: "function", Function: model.ToolFunction{Name: "search"}}),
			), true)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleAssistant, "a2",
				model.WithMetrics(model.Metrics{
					Model:  "gpt-4.1-mini",
					Usage:  model.Usage{PromptTokens: 4, CompletionTokens: 1, TotalTokens: 5},
					Timing: model.Timing{LatencyMS: 300},
				}),
				model.WithToolCalls(
					model.ToolCall{ID: "c2", Type: "function", Function: model.ToolFunction{Name: "search"}},
					model.ToolCall{ID: "c3", Type: "function", Function: model.ToolFunction{Name: "fetch"}},
				),
			), true)).To(Succeed())
		})

		It("should total tokens overall and by model", func() {
			stats := thread.TotalTokens()
			Expect(stats.Overall.TotalTokens).To(Equal(20))
			Expect(stats.Overall.PromptTokens).To(Equal(14))
			Expect(stats.ByModel["gpt-4.1"].TotalTokens).To(Equal(15))
			Expect(stats.ByModel["gpt-4.1-mini"].CompletionTokens).To(Equal(1))
		})

		It("should count calls per model", func() {
			usage := thread.ModelUsage()
			Expect(usage["gpt-4.1"].Calls).To(Equal(1))
			Expect(usage["gpt-4.1-mini"].TotalTokens).To(Equal(5))
		})

		It("should average latency over timed messages", func() {
			timing := thread.TimingStats()
			Expect(timing.MessageCount).To(Equal(2))
			Expect(timing.TotalLatencyMS).To(BeNumerically("==", 400))
			Expect(timing.AverageLatencyMS).To(BeNumerically("==", 200))
		})

		It("should count messages by role", func() {
			counts := thread.MessageCounts()
			Expect(counts[model.RoleUser]).To(Equal(1))
			Expect(counts[model.RoleAssistant]).To(Equal(2))
			Expect(counts).To(HaveKeyWithValue(model.RoleSystem, 0))
		})

		It("should count tool calls per tool", func() {
			usage := thread.ToolUsage()
			Expect(usage.TotalCalls).To(Equal(3))
			Expect(usage.Tools).To(Equal(map[string]int{"search": 2, "fetch": 1}))
		})
	})

	Describe("JSON", func() {
		It("should round-trip sequence, turn and attributes", func() {
			thread.SetAttribute("priority", "high")
			thread.SetAttribute("nested", map[string]any{"a": []any{1.0, true, nil}})
			thread.SetPlatform("slack", map[string]any{"channel": "C123"})
			Expect(thread.AddMessage(mustMessage(model.RoleUser, "q"), false)).To(Succeed())
			Expect(thread.AddMessage(mustMessage(model.RoleAssistant, "a"), true)).To(Succeed())

			raw, err := json.Marshal(thread)
			Expect(err).NotTo(HaveOccurred())

			var decoded model.Thread
			Expect(json.Unmarshal(raw, &decoded)).To(Succeed())

			Expect(decoded.ID).To(Equal(thread.ID))
			Expect(decoded.Attributes).To(Equal(thread.Attributes))
			Expect(decoded.Platforms).To(Equal(thread.Platforms))
			Expect(seqs(decoded.Messages)).To(Equal([]int{1, 2}))
			Expect(*decoded.Messages[1].Turn).To(Equal(1))
			Expect(decoded.UpdatedAt).To(BeTemporally("==", thread.UpdatedAt))
		})
	})
})
