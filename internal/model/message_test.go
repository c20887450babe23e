package model_test

import (
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/adamwdraper/the-narrator/internal/model"
)

var _ = Describe("Message", func() {
	Describe("NewMessage", func() {
		It("should leave sequence and turn unset before insertion", func() {
			m, err := model.NewMessage(model.RoleUser, model.Text("hello"))
			Expect(err).NotTo(HaveOccurred())
			Expect(m.ID).To(HaveLen(64))
			Expect(m.Sequence).To(BeNil())
			Expect(m.Turn).To(BeNil())
			Expect(m.Timestamp).NotTo(BeZero())
		})

		It("should reject an unknown role", func() {
			_, err := model.NewMessage(model.Role("narrator"), model.Text("x"))
			Expect(errors.Is(err, model.ErrValidation)).To(BeTrue())

			var verr *model.ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
			Expect(verr.Field).To(Equal("role"))
		})

		It("should require tool_call_id on tool messages", func() {
			_, err := model.NewMessage(model.RoleTool, model.Text("result"), model.WithName("search"))
			Expect(errors.Is(err, model.ErrValidation)).To(BeTrue())

			m, err := model.NewMessage(model.RoleTool, model.Text("result"),
				model.WithToolCallID("call_1"), model.WithName("search"))
			Expect(err).NotTo(HaveOccurred())
			Expect(m.ToolCallID).To(Equal("call_1"))
		})

		It("should reject an image part without a url", func() {
			_, err := model.NewMessage(model.RoleUser, model.Parts(model.ContentPart{Type: model.PartImageURL}))
			Expect(errors.Is(err, model.ErrValidation)).To(BeTrue())
		})

		It("should honor an explicit id", func() {
			m, err := model.NewMessage(model.RoleUser, model.Text("x"), model.WithID("msg-1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(m.ID).To(Equal("msg-1"))
		})
	})

	Describe("DeriveMessageID", func() {
		It("should differ for messages that differ only in turn", func() {
			ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			one, two := 1, 2
			a := &model.Message{Role: model.RoleUser, Content: model.Text("same"), Timestamp: ts, Turn: &one}
			b := &model.Message{Role: model.RoleUser, Content: model.Text("same"), Timestamp: ts, Turn: &two}

			Expect(model.DeriveMessageID(a)).NotTo(Equal(model.DeriveMessageID(b)))
		})

		It("should be stable for identical fields", func() {
			ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			a := &model.Message{Role: model.RoleUser, Content: model.Text("same"), Timestamp: ts}
			b := &model.Message{Role: model.RoleUser, Content: model.Text("same"), Timestamp: ts}

			Expect(model.DeriveMessageID(a)).To(Equal(model.DeriveMessageID(b)))
		})
	})

	Describe("reactions", func() {
		It("should keep each reactor once per label", func() {
			m := mustMessage(model.RoleUser, "hi")
			Expect(m.AddReaction(":+1:", "alice")).To(BeTrue())
			Expect(m.AddReaction(":+1:", "bob")).To(BeTrue())
			Expect(m.AddReaction(":+1:", "alice")).To(BeFalse())

			Expect(m.Reactions[":+1:"]).To(Equal([]string{"alice", "bob"}))
			Expect(m.RemoveReaction(":+1:", "alice")).To(BeTrue())
			Expect(m.RemoveReaction(":+1:", "alice")).To(BeFalse())
			Expect(m.Reactions[":+1:"]).To(Equal([]string{"bob"}))
		})
	})

	Describe("JSON", func() {
		It("should round-trip multimodal content and metadata", func() {
			m, err := model.NewMessage(model.RoleUser,
				model.Parts(model.TextPart("look"), model.ImagePart("https://example.com/cat.png")),
				model.WithSource(model.Source{ID: "u1", Name: "Alice", Type: "user"}),
				model.WithPlatform("slack", map[string]any{"ts": "1700000000.1"}),
			)
			Expect(err).NotTo(HaveOccurred())

			raw, err := json.Marshal(m)
			Expect(err).NotTo(HaveOccurred())

			var decoded model.Message
			Expect(json.Unmarshal(raw, &decoded)).To(Succeed())

			Expect(decoded.ID).To(Equal(m.ID))
			Expect(decoded.Content.IsParts()).To(BeTrue())
			Expect(decoded.Content.Parts()).To(Equal(m.Content.Parts()))
			Expect(decoded.Source).To(Equal(m.Source))
			Expect(decoded.Platforms).To(Equal(m.Platforms))
			Expect(decoded.Timestamp).To(BeTemporally("==", m.Timestamp))
		})
	})
})

var _ = Describe("Content", func() {
	It("should encode text as a JSON string", func() {
		raw, err := json.Marshal(model.Text("hi"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).To(Equal(`"hi"`))
	})

	It("should encode parts as a JSON array", func() {
		raw, err := json.Marshal(model.Parts(model.TextPart("a")))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).To(Equal(`[{"type":"text","text":"a"}]`))
	})

	It("should reject other JSON shapes", func() {
		var c model.Content
		Expect(json.Unmarshal([]byte(`{"type":"text"}`), &c)).NotTo(Succeed())
	})

	It("should join text parts for String", func() {
		c := model.Parts(model.TextPart("a"), model.ImagePart("u"), model.TextPart("b"))
		Expect(c.String()).To(Equal("a\nb"))
	})
})
