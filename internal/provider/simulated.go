package provider

import (
	"context"
	"iter"
	"strings"

	"gwi.com/inspire-gateway/internal/catalog"
	"gwi.com/inspire-gateway/internal/stream"
)

var cannedReplies = map[string][]string{
	"TEXT": {
		"I've generated a text passage based on your input.",
		"Here's a creative text I've written for you.",
		"I hope you find this text helpful for your needs.",
	},
	"IMAGE": {
		"I've created an image based on your description.",
		"Your image has been generated. I hope it matches what you had in mind.",
		"Here's the visualization I created from your prompt.",
	},
	"CHAT": {
		"That's an interesting question! Let me share my thoughts.",
		"I understand what you're asking. Here's my response.",
		"Great conversation! Here's what I think about that.",
	},
}

var genericReplies = []string{
	"Thank you for your input. Here's my response.",
	"I've processed your request and here are the results.",
	"I hope this answer helps with what you were looking for.",
}

// Simulated answers with canned text and never touches the network. It
// keeps conversations usable for tools without a live integration.
type Simulated struct {
	category string
	pick     func(int) int
}

func NewSimulated(tool catalog.ToolConfig, c Capability, pick func(int) int) *Simulated {
	category := strings.ToUpper(tool.Category)
	if _, ok := cannedReplies[category]; !ok {
		switch {
		case c == CapChat:
			category = "CHAT"
		case c == CapImageGenerate || c == CapImageEdit:
			category = "IMAGE"
		}
	}
	return &Simulated{category: category, pick: pick}
}

func (s *Simulated) Name() string                  { return string(catalog.ProviderNone) }
func (s *Simulated) Convention() stream.Convention { return stream.Cumulative }

func (s *Simulated) Stream(_ context.Context, turn Turn) iter.Seq[stream.Frame] {
	return oneShot(func(yield func(stream.Frame) bool) {
		yield(stream.Message(s.Reply(turn.Prompt), true))
	})
}

// Reply builds the canned answer for message.
func (s *Simulated) Reply(message string) string {
	replies, ok := cannedReplies[s.category]
	if !ok {
		replies = genericReplies
	}
	reply := replies[s.pick(len(replies))]
	if words := strings.Fields(message); len(words) > 3 {
		reply += " I noticed you mentioned " + strings.Join(words[:3], ", ") + "."
	}
	return reply
}
