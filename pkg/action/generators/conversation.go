package generators

import (
	"context"
	"strings"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/stream"
)

// Conversation is the input of a Model.
type Conversation struct {
	System   string
	Messages []Message
	Params   Params
}

// Message is a run of chunks from one role.
type Message struct {
	Role   chunk.Role
	Chunks []*chunk.Chunk
}

// Text concatenates the message's text chunks.
func (m Message) Text() string {
	var sb strings.Builder
	for _, c := range m.Chunks {
		if s, ok := c.Text(); ok {
			sb.WriteString(s)
		}
	}
	return sb.String()
}

// ReadConversation reads the "system" and "prompt" inputs to the end.
// System chunks, and system-role chunks in the prompt, form the system
// instruction. Consecutive prompt chunks from the same role form one
// message; tool chunks count as user input. References are resolved with res
// when it is set.
func ReadConversation(ctx context.Context, in action.Inputs, res *chunk.Resolver) (*Conversation, error) {
	conv := &Conversation{}
	var system strings.Builder
	if src, ok := in["system"]; ok {
		for c, err := range stream.All(src) {
			if err != nil {
				return nil, err
			}
			if s, ok := c.Text(); ok {
				system.WriteString(s)
			}
		}
	}

	prompt, err := in.Get("prompt")
	if err != nil {
		return nil, err
	}
	for c, err := range stream.All(prompt) {
		if err != nil {
			return nil, err
		}
		if _, ok := c.Part.(*chunk.Ref); ok && res != nil {
			if c, err = res.Resolve(ctx, c); err != nil {
				return nil, err
			}
		}
		role := c.Role
		switch role {
		case chunk.RoleSystem:
			if s, ok := c.Text(); ok {
				system.WriteString(s)
			}
			continue
		case chunk.RoleModel:
		default:
			role = chunk.RoleUser
		}
		if n := len(conv.Messages); n > 0 && conv.Messages[n-1].Role == role {
			conv.Messages[n-1].Chunks = append(conv.Messages[n-1].Chunks, c)
			continue
		}
		conv.Messages = append(conv.Messages, Message{Role: role, Chunks: []*chunk.Chunk{c}})
	}
	if len(conv.Messages) == 0 {
		return nil, ErrNoContent
	}
	conv.System = system.String()
	return conv, nil
}
