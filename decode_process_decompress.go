package imagepipe

import (
	"bytes"
	"context"

	"github.com/kean/imagepipe/core"
	apperrors "github.com/kean/imagepipe/errors"
	"github.com/kean/imagepipe/hooks"
	"github.com/kean/imagepipe/pipeline"
	"github.com/kean/imagepipe/priority"
	"github.com/kean/imagepipe/queue"
	"github.com/kean/imagepipe/request"
	"github.com/kean/imagepipe/result"
)

// runDecodeProcessDecompress claims a slot in each of the decode, process,
// and decompress queues (skipping decompress per request/advisor) at pri,
// and runs the three stages in sequence on data. isFinal controls whether a
// decode/process failure is fatal (final chunk) or merely drops this
// progressive attempt (non-final chunk).
func (p *Pipeline) runDecodeProcessDecompress(ctx context.Context, req request.Request, data []byte, isFinal bool, pri priority.Priority, origin result.Origin) (*result.Response, error) {
	img, ok, err := p.decode(ctx, req, data, isFinal, pri)
	if err != nil {
		if !isFinal {
			return nil, nil // drop: a non-final decode failure just waits for more data
		}
		return nil, err
	}
	if !ok {
		return nil, nil // progressive decoder has no complete scan yet
	}

	img, err = p.process(ctx, req, img, pri)
	if err != nil {
		if !isFinal {
			return nil, nil
		}
		return nil, err
	}

	if p.shouldDecompress(req, img) {
		img, err = p.decompress(ctx, req, img, pri)
		if err != nil {
			if !isFinal {
				return nil, nil
			}
			return nil, err
		}
	}

	return &result.Response{
		Image:     img,
		Type:      img.Format,
		IsPreview: !isFinal,
		UserInfo:  req.UserInfo,
		Origin:    origin,
	}, nil
}

func (p *Pipeline) decode(ctx context.Context, req request.Request, data []byte, isFinal bool, pri priority.Priority) (*core.ImageData, bool, error) {
	h, err := p.decodeQueue.Acquire(ctx, pri)
	if err != nil {
		return nil, false, err
	}
	defer h.Finish()

	format := sniffFormat(data)
	dec, found := p.registry.DecoderFor(format)
	if !found {
		return nil, false, apperrors.DecoderNotRegistered("decode", string(format))
	}

	if !isFinal {
		if pd, ok := dec.(core.ProgressiveDecoder); ok {
			img, scanOK, err := pd.DecodePartial(ctx, bytes.NewReader(data))
			if err != nil {
				return nil, false, apperrors.DecodingFailed(string(format), "partial", err)
			}
			return img, scanOK, nil
		}
		return nil, false, nil
	}

	img, err := dec.Decode(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, false, apperrors.DecodingFailed(string(format), "final", err)
	}
	return img, true, nil
}

// process runs req.Processors against img, claiming the process queue for
// every non-encode step and the encode queue for encode steps (EncodeStep,
// AdaptiveCompressStep), so encode has its own concurrency bound instead of
// riding inside the process stage's. Each group runs through a
// pipeline.Pipeline, so retries and before/after hooks come from that one
// implementation.
func (p *Pipeline) process(ctx context.Context, req request.Request, img *core.ImageData, pri priority.Priority) (*core.ImageData, error) {
	processSteps, encodeSteps := splitEncodeSteps(req.Processors)

	current := img
	if len(processSteps) > 0 {
		next, err := p.runStepGroup(ctx, p.processQueue, pri, processSteps, current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	if len(encodeSteps) > 0 {
		next, err := p.runStepGroup(ctx, p.encodeQueue, pri, encodeSteps, current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// runStepGroup claims a slot on stage at pri and runs steps in sequence
// through a pipeline.Pipeline, so the group gets pipeline.Pipeline's
// retry-on-transient-error and before/after hook behavior.
func (p *Pipeline) runStepGroup(ctx context.Context, stage *queue.Stage, pri priority.Priority, steps []core.Step, img *core.ImageData) (*core.ImageData, error) {
	h, err := stage.Acquire(ctx, pri)
	if err != nil {
		return nil, err
	}
	defer h.Finish()

	pl := pipeline.New().Use(steps...).WithRetry(p.cfg.MaxRetries, p.cfg.RetryDelay)
	if p.logger != nil {
		pl.AddHook(hooks.NewLoggingHook(p.logger))
	}

	out, _, err := pl.Run(ctx, img)
	if err != nil {
		return nil, apperrors.ProcessingFailed(steps[0].Name(), "process", err)
	}
	return out, nil
}

// splitEncodeSteps separates serialization steps (which get their own queue
// stage) from the rest of the processor chain.
func splitEncodeSteps(steps []core.Step) (process, encode []core.Step) {
	for _, s := range steps {
		switch s.(type) {
		case *pipeline.EncodeStep, *pipeline.AdaptiveCompressStep:
			encode = append(encode, s)
		default:
			process = append(process, s)
		}
	}
	return process, encode
}

func (p *Pipeline) shouldDecompress(req request.Request, img *core.ImageData) bool {
	if !p.cfg.IsDecompressionEnabled || req.Options.Has(request.SkipDecompression) {
		return false
	}
	if p.decompressAdvisor == nil {
		return false
	}
	return p.decompressAdvisor.ShouldDecompress(img)
}

func (p *Pipeline) decompress(ctx context.Context, req request.Request, img *core.ImageData, pri priority.Priority) (*core.ImageData, error) {
	h, err := p.decompressQueue.Acquire(ctx, pri)
	if err != nil {
		return nil, err
	}
	defer h.Finish()
	return p.decompressAdvisor.Decompress(ctx, img)
}

// sniffFormat identifies the encoded format from its leading bytes, the way
// a data loader hands raw bytes to the decode stage with no other format
// hint available.
func sniffFormat(data []byte) core.Format {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return core.FormatJPEG
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return core.FormatPNG
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return core.FormatWebP
	default:
		return core.FormatUnknown
	}
}
