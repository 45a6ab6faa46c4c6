package generators

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/mimetype"
)

var _ Model = (*OpenAI)(nil)

const (
	oaiFinishReasonStop          = "stop"
	oaiFinishReasonLength        = "length"
	oaiFinishReasonContentFilter = "content_filter"
	oaiFinishReasonToolCalls     = "tool_calls"
)

// OpenAI is a Model backed by an OpenAI compatible chat completions API.
type OpenAI struct {
	Client *openai.Client

	Model string

	// UseSystemRole sends the system instruction with the "system" role
	// instead of "developer". Most compatible providers need it.
	UseSystemRole bool

	// TextOnly rejects conversations with non-text content.
	TextOnly bool

	ExtraFields map[string]any
}

func (g *OpenAI) Generate(ctx context.Context, conv *Conversation, emit func(*chunk.Chunk) error) (Usage, error) {
	params, err := g.params(conv)
	if err != nil {
		return Usage{}, err
	}
	st := g.Client.Chat.Completions.NewStreaming(ctx, params)
	defer st.Close()

	var (
		usage  Usage
		finish string
		index  int64 = -1
	)
	for st.Next() {
		cc := st.Current()
		if cc.Usage.TotalTokens > 0 {
			usage = oaiConvUsage(&cc.Usage)
		}
		if len(cc.Choices) == 0 {
			continue
		}
		var sel *openai.ChatCompletionChunkChoice
		for i := range cc.Choices {
			if index < 0 || cc.Choices[i].Index == index {
				sel = &cc.Choices[i]
				index = sel.Index
				break
			}
		}
		if sel == nil {
			continue
		}
		if s := sel.Delta.Content; s != "" {
			c := chunk.NewText(chunk.RoleModel, s)
			c.Name = g.Model
			if err := emit(c); err != nil {
				return usage, err
			}
		}
		if r := sel.Delta.Refusal; r != "" {
			return usage, &BlockedError{Reason: r}
		}
		if sel.FinishReason != "" {
			finish = sel.FinishReason
		}
	}
	if err := st.Err(); err != nil {
		return usage, err
	}

	switch finish {
	case oaiFinishReasonStop, oaiFinishReasonToolCalls:
		return usage, nil
	case oaiFinishReasonLength:
		return usage, ErrTruncated
	case oaiFinishReasonContentFilter:
		return usage, &BlockedError{Reason: "content filter"}
	case "":
		return usage, errors.New("generators: unexpected end of stream: no finish reason")
	default:
		return usage, fmt.Errorf("generators: unexpected finish reason: %s", finish)
	}
}

func (g *OpenAI) params(conv *Conversation) (openai.ChatCompletionNewParams, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if conv.System != "" {
		if g.UseSystemRole {
			msgs = append(msgs, openai.SystemMessage(conv.System))
		} else {
			msgs = append(msgs, openai.DeveloperMessage(conv.System))
		}
	}
	for _, m := range conv.Messages {
		mp, err := g.convMessage(m)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, mp)
	}

	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    g.Model,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}
	p := conv.Params
	if p.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(p.MaxTokens))
	}
	if p.Temperature > 0 {
		params.Temperature = param.NewOpt(float64(p.Temperature))
	}
	if p.TopP > 0 {
		params.TopP = param.NewOpt(float64(p.TopP))
	}
	if p.FrequencyPenalty > 0 {
		params.FrequencyPenalty = param.NewOpt(float64(p.FrequencyPenalty))
	}
	if p.PresencePenalty > 0 {
		params.PresencePenalty = param.NewOpt(float64(p.PresencePenalty))
	}
	if len(g.ExtraFields) > 0 {
		params.SetExtraFields(g.ExtraFields)
	}
	return params, nil
}

func (g *OpenAI) convMessage(m Message) (openai.ChatCompletionMessageParamUnion, error) {
	if m.Role == chunk.RoleModel {
		text := m.Text()
		if text == "" {
			return openai.ChatCompletionMessageParamUnion{}, errors.New("generators: model message must contain text")
		}
		return openai.AssistantMessage(text), nil
	}

	var (
		text  strings.Builder
		parts []openai.ChatCompletionContentPartUnionParam
	)
	for _, c := range m.Chunks {
		switch p := c.Part.(type) {
		case chunk.Text:
			text.WriteString(string(p))
		case *chunk.Blob:
			if g.TextOnly {
				return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("generators: model %s supports text only", g.Model)
			}
			part, err := oaiConvBlob(c.ContentType(), p.Data)
			if err != nil {
				return openai.ChatCompletionMessageParamUnion{}, err
			}
			parts = append(parts, part)
		case *chunk.Ref:
			if strings.HasPrefix(p.URI, "http://") || strings.HasPrefix(p.URI, "https://") {
				if mimetype.Is(c.ContentType(), "image/*") {
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: p.URI}))
					continue
				}
			}
			return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("generators: unresolved reference %s", p.URI)
		}
	}
	if len(parts) == 0 {
		if text.Len() == 0 {
			return openai.ChatCompletionMessageParamUnion{}, errors.New("generators: user message must contain text")
		}
		return openai.UserMessage(text.String()), nil
	}
	if text.Len() > 0 {
		parts = append([]openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(text.String())}, parts...)
	}
	return openai.UserMessage(parts), nil
}

func oaiConvBlob(contentType string, data []byte) (openai.ChatCompletionContentPartUnionParam, error) {
	mt, err := mimetype.Parse(contentType)
	if err != nil {
		return openai.ChatCompletionContentPartUnionParam{}, err
	}
	switch {
	case mt.Match("image/*"):
		url := "data:" + mt.Essence() + ";base64," + base64.StdEncoding.EncodeToString(data)
		return openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}), nil
	case mt.Match("audio/mp3"), mt.Match("audio/mpeg"):
		return openai.InputAudioContentPart(openai.ChatCompletionContentPartInputAudioInputAudioParam{
			Data:   base64.StdEncoding.EncodeToString(data),
			Format: "mp3",
		}), nil
	case mt.Match("audio/wav"):
		return openai.InputAudioContentPart(openai.ChatCompletionContentPartInputAudioInputAudioParam{
			Data:   base64.StdEncoding.EncodeToString(data),
			Format: "wav",
		}), nil
	}
	return openai.ChatCompletionContentPartUnionParam{}, fmt.Errorf("generators: unsupported content type %s", contentType)
}

func oaiConvUsage(u *openai.CompletionUsage) Usage {
	return Usage{
		PromptTokens:    u.PromptTokens,
		CachedTokens:    u.PromptTokensDetails.CachedTokens,
		GeneratedTokens: u.CompletionTokens,
	}
}
