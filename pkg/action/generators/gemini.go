package generators

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"

	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/stream"
)

var _ Model = (*Gemini)(nil)

// Gemini is a Model backed by the Google Gemini API.
type Gemini struct {
	Client *genai.Client

	// Model should not start with "models/".
	Model string
}

func (g *Gemini) Generate(ctx context.Context, conv *Conversation, emit func(*chunk.Chunk) error) (Usage, error) {
	cfg, contents, err := geminiConvConversation(conv)
	if err != nil {
		return Usage{}, err
	}
	it := stream.FromSeq(g.Client.Models.GenerateContentStream(ctx, g.Model, contents, cfg))
	defer it.Close()

	var (
		usage  Usage
		selIdx int32 = -1
	)
	for {
		resp, err := it.Next()
		if stream.IsDone(err) {
			return usage, errors.New("generators: unexpected end of stream: no finish reason")
		}
		if err != nil {
			var ae *apierror.APIError
			if errors.As(err, &ae) {
				err = ae.Unwrap()
			}
			return usage, err
		}
		if resp.UsageMetadata != nil {
			usage = geminiConvUsage(resp.UsageMetadata)
		}
		var sel *genai.Candidate
		for _, c := range resp.Candidates {
			if selIdx < 0 || c.Index == selIdx {
				sel = c
				selIdx = c.Index
				break
			}
		}
		if sel == nil {
			continue
		}
		chunks, err := geminiConvCandidate(sel)
		if err != nil {
			return usage, err
		}
		for _, c := range chunks {
			c.Name = g.Model
			if err := emit(c); err != nil {
				return usage, err
			}
		}
		if done, err := geminiFinish(sel); done {
			return usage, err
		}
	}
}

// geminiFinish reports whether cand ends the reply and with what error.
func geminiFinish(cand *genai.Candidate) (bool, error) {
	switch cand.FinishReason {
	case genai.FinishReasonUnspecified, "":
		return false, nil
	case genai.FinishReasonStop:
		return true, nil
	case genai.FinishReasonMaxTokens:
		return true, ErrTruncated
	case genai.FinishReasonSafety:
		var cats []string
		for _, sr := range cand.SafetyRatings {
			if sr.Blocked {
				cats = append(cats, string(sr.Category))
			}
		}
		return true, &BlockedError{Reason: "blocked by " + strings.Join(cats, ", ")}
	default:
		return true, fmt.Errorf("generators: unexpected finish reason: %s", cand.FinishReason)
	}
}

// geminiConvCandidate turns a streamed candidate into chunks: one text chunk
// for all text parts, then one blob chunk per inline data part.
func geminiConvCandidate(cand *genai.Candidate) ([]*chunk.Chunk, error) {
	if cand.Content == nil {
		return nil, nil
	}
	var (
		sb    strings.Builder
		blobs []*chunk.Chunk
	)
	for _, p := range cand.Content.Parts {
		switch {
		case p.Thought:
		case p.Text != "":
			sb.WriteString(p.Text)
		case p.InlineData != nil:
			blobs = append(blobs, chunk.NewBlob(chunk.RoleModel, p.InlineData.MIMEType, p.InlineData.Data))
		case p.FunctionCall != nil:
			return nil, fmt.Errorf("generators: unexpected function call %s", p.FunctionCall.Name)
		}
	}
	var out []*chunk.Chunk
	if sb.Len() > 0 {
		out = append(out, chunk.NewText(chunk.RoleModel, sb.String()))
	}
	return append(out, blobs...), nil
}

func geminiConvConversation(conv *Conversation) (*genai.GenerateContentConfig, []*genai.Content, error) {
	cfg := &genai.GenerateContentConfig{
		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdOff},
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdOff},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdOff},
		},
	}
	if conv.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(conv.System)}}
	}
	p := conv.Params
	if p.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.MaxTokens)
	}
	if p.Temperature > 0 {
		cfg.Temperature = &p.Temperature
	}
	if p.TopP > 0 {
		cfg.TopP = &p.TopP
	}
	if p.TopK > 0 {
		cfg.TopK = &p.TopK
	}

	contents := make([]*genai.Content, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		role := "user"
		if m.Role == chunk.RoleModel {
			role = "model"
		}
		var parts []*genai.Part
		for _, c := range m.Chunks {
			switch v := c.Part.(type) {
			case chunk.Text:
				parts = append(parts, genai.NewPartFromText(string(v)))
			case *chunk.Blob:
				parts = append(parts, genai.NewPartFromBytes(v.Data, c.ContentType()))
			case *chunk.Ref:
				parts = append(parts, genai.NewPartFromURI(v.URI, c.ContentType()))
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	if len(contents) == 0 {
		return nil, nil, ErrNoContent
	}
	return cfg, contents, nil
}

func geminiConvUsage(u *genai.GenerateContentResponseUsageMetadata) Usage {
	return Usage{
		PromptTokens:    int64(u.PromptTokenCount),
		CachedTokens:    int64(u.CachedContentTokenCount),
		GeneratedTokens: int64(u.CandidatesTokenCount),
	}
}
