package transforms

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/chunk"
	"github.com/haivivi/chunkflow/pkg/mimetype"
	"github.com/haivivi/chunkflow/pkg/stream"
)

// ErrPCMFormat is returned for audio chunks whose format cannot be resampled.
var ErrPCMFormat = errors.New("transforms: unsupported pcm format")

// ResampleConfig configures audio/resample.
type ResampleConfig struct {
	// Rate is the output sample rate in Hz.
	Rate int `json:"rate,omitempty" jsonschema:"output sample rate in Hz"`

	// SourceRate is used for chunks whose content type has no rate
	// parameter.
	SourceRate int `json:"source_rate,omitempty" jsonschema:"input sample rate in Hz when chunks do not carry one"`

	// Channels is used for chunks whose content type has no channels
	// parameter.
	Channels int `json:"channels,omitempty"`
}

// Resample returns the audio/resample action. Input chunks must be
// little-endian signed 16-bit PCM ("audio/pcm"), optionally with "rate" and
// "channels" parameters. Output chunks are "audio/pcm" at the configured
// rate. Non-audio chunks pass through unchanged.
func Resample() *action.Configured[ResampleConfig] {
	return action.MustConfigured(
		action.Declaration{
			Description: "Convert 16-bit PCM audio to another sample rate.",
			Inputs:      []string{"in"},
			Outputs:     []string{"out"},
		},
		ResampleConfig{Rate: 16000, SourceRate: 24000, Channels: 1},
		func(c ResampleConfig) (action.Action, error) {
			if c.Rate <= 0 || c.SourceRate <= 0 || c.Channels <= 0 {
				return nil, fmt.Errorf("%w: rate %d, source rate %d, channels %d", ErrPCMFormat, c.Rate, c.SourceRate, c.Channels)
			}
			return &resample{cfg: c}, nil
		},
	)
}

type resample struct {
	cfg ResampleConfig
}

// pcmFormat is the rate and channel count of a PCM stream.
type pcmFormat struct {
	rate     int
	channels int
}

func (f pcmFormat) frameBytes() int { return 2 * f.channels }

func (f pcmFormat) contentType() string {
	return mimetype.Type{
		Type:    "audio",
		Subtype: "pcm",
		Params: map[string]string{
			"rate":     strconv.Itoa(f.rate),
			"channels": strconv.Itoa(f.channels),
		},
	}.String()
}

func (r *resample) format(c *chunk.Chunk) (pcmFormat, bool, error) {
	mt, err := c.MediaType()
	if err != nil || !mt.Match(mimetype.AudioPCM) {
		return pcmFormat{}, false, nil
	}
	f := pcmFormat{rate: r.cfg.SourceRate, channels: r.cfg.Channels}
	if v, ok := mt.Param("rate"); ok {
		if f.rate, err = strconv.Atoi(v); err != nil || f.rate <= 0 {
			return f, true, fmt.Errorf("%w: rate %q", ErrPCMFormat, v)
		}
	}
	if v, ok := mt.Param("channels"); ok {
		if f.channels, err = strconv.Atoi(v); err != nil || f.channels <= 0 {
			return f, true, fmt.Errorf("%w: channels %q", ErrPCMFormat, v)
		}
	}
	return f, true, nil
}

func (r *resample) Run(ctx context.Context, env *action.Env, in action.Inputs, out action.Outputs) error {
	src, err := in.Get("in")
	if err != nil {
		return err
	}
	dst, err := out.Get("out")
	if err != nil {
		return err
	}

	var (
		conv *pcmConverter
		srcF pcmFormat
	)
	for c, err := range stream.All(src) {
		if err != nil {
			return err
		}
		f, ok, err := r.format(c)
		if err != nil {
			return err
		}
		blob, isBlob := c.Part.(*chunk.Blob)
		if !ok || !isBlob {
			if err := dst.Write(ctx, c); err != nil {
				return err
			}
			continue
		}
		if conv == nil || f != srcF {
			if conv, err = newPCMConverter(f, r.cfg.Rate); err != nil {
				return err
			}
			srcF = f
			env.Logger.Debug("transforms: resample format", "from", f.rate, "to", r.cfg.Rate, "channels", f.channels)
		}
		data, err := conv.convert(blob.Data)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		oc := c.Clone()
		oc.MIMEType = pcmFormat{rate: r.cfg.Rate, channels: f.channels}.contentType()
		oc.Part = &chunk.Blob{Data: data}
		if err := dst.Write(ctx, oc); err != nil {
			return err
		}
	}
	return nil
}

// pcmConverter resamples a stream of int16 PCM byte slices. Bytes that do
// not fill a whole frame are held until the next call.
type pcmConverter struct {
	src      pcmFormat
	r        resampling.Resampler
	leftover []byte
}

func newPCMConverter(src pcmFormat, rate int) (*pcmConverter, error) {
	pc := &pcmConverter{src: src}
	if src.rate == rate {
		return pc, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(src.rate),
		OutputRate: float64(rate),
		Channels:   src.channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("transforms: create resampler: %w", err)
	}
	pc.r = r
	return pc, nil
}

func (pc *pcmConverter) convert(data []byte) ([]byte, error) {
	if len(pc.leftover) > 0 {
		data = append(pc.leftover, data...)
		pc.leftover = nil
	}
	n := len(data) / pc.src.frameBytes() * pc.src.frameBytes()
	if n < len(data) {
		pc.leftover = append([]byte(nil), data[n:]...)
	}
	data = data[:n]
	if pc.r == nil || len(data) == 0 {
		return data, nil
	}

	samples := make([]float64, len(data)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768.0
	}
	resampled, err := pc.r.Process(samples)
	if err != nil {
		return nil, fmt.Errorf("transforms: resample: %w", err)
	}
	out := make([]byte, len(resampled)*2)
	for i, s := range resampled {
		v := math.Round(s * 32767.0)
		v = max(-32768, min(32767, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out, nil
}
