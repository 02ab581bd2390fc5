package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"slack-ai-gateway/internal/models"
	"slack-ai-gateway/internal/queue"
)

const maxFrames = 250

// Frame is one encoded output image.
type Frame struct {
	Number      int
	Data        []byte
	Ext         string
	ContentType string
}

// Renderer turns render parameters into encoded frames.
type Renderer interface {
	Render(ctx context.Context, jobID string, p models.RenderParams) ([]Frame, error)
}

// PreviewRenderer draws a placeholder frame per requested frame number. It
// stands in for a real scene renderer and needs no external tooling.
type PreviewRenderer struct {
	MaxSide int
}

func (r PreviewRenderer) Render(ctx context.Context, jobID string, p models.RenderParams) ([]Frame, error) {
	w, h := p.Resolution[0], p.Resolution[1]
	if r.MaxSide > 0 && (w > r.MaxSide || h > r.MaxSide) {
		return nil, permanent(fmt.Errorf("resolution %dx%d exceeds %d", w, h, r.MaxSide))
	}
	format, ext, mime, err := outputFormat(p.OutputFormat)
	if err != nil {
		return nil, permanent(err)
	}

	frames := make([]Frame, 0, max(p.FrameEnd-p.FrameStart+1, 0))
	for n := p.FrameStart; n <= p.FrameEnd; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img := previewImage(w, h, n)
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(90)); err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", n, err)
		}
		frames = append(frames, Frame{Number: n, Data: buf.Bytes(), Ext: ext, ContentType: mime})
	}
	return frames, nil
}

// previewImage is a dark background with a marker square that moves with the frame number.
func previewImage(w, h, frame int) image.Image {
	bg := imaging.New(w, h, color.NRGBA{R: 24, G: 28, B: 38, A: 255})
	side := min(w, h) / 4
	if side < 1 {
		return bg
	}
	marker := imaging.New(side, side, color.NRGBA{R: 232, G: 120, B: 38, A: 255})
	span := w - side
	x := 0
	if span > 0 {
		x = (frame * side / 2) % span
	}
	return imaging.Overlay(bg, marker, image.Pt(x, (h-side)/2), 0.9)
}

func outputFormat(name string) (imaging.Format, string, string, error) {
	switch strings.ToLower(name) {
	case "png":
		return imaging.PNG, "png", "image/png", nil
	case "jpg", "jpeg":
		return imaging.JPEG, "jpg", "image/jpeg", nil
	case "gif":
		return imaging.GIF, "gif", "image/gif", nil
	case "tif", "tiff":
		return imaging.TIFF, "tiff", "image/tiff", nil
	case "bmp":
		return imaging.BMP, "bmp", "image/bmp", nil
	}
	return 0, "", "", fmt.Errorf("unsupported output format %q", name)
}

// RenderHandler runs render_scene tasks.
type RenderHandler struct {
	renderer Renderer
	uploader Uploader
	logger   zerolog.Logger
}

func NewRenderHandler(renderer Renderer, uploader Uploader, logger zerolog.Logger) *RenderHandler {
	return &RenderHandler{renderer: renderer, uploader: uploader, logger: logger.With().Str("handler", queue.TaskRenderScene).Logger()}
}

// Handle renders every frame, uploads each one and reports where they went.
func (h *RenderHandler) Handle(ctx context.Context, task queue.Task) (map[string]any, error) {
	params, err := decodeRenderParams(task.Parameters)
	if err != nil {
		return nil, permanent(err)
	}

	frames, err := h.renderer.Render(ctx, task.JobID, params)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no output frames generated")
	}

	outputFiles := make([]string, 0, len(frames))
	uploaded := make([]string, 0, len(frames))
	for _, f := range frames {
		key := fmt.Sprintf("renders/render_%s_%04d.%s", task.JobID, f.Number, f.Ext)
		url, err := h.uploader.Upload(ctx, key, f.Data, f.ContentType)
		if err != nil {
			return nil, fmt.Errorf("upload frame %d: %w", f.Number, err)
		}
		outputFiles = append(outputFiles, key)
		uploaded = append(uploaded, url)
	}
	h.logger.Info().Str("job_id", task.JobID).Int("frames", len(frames)).Msg("render completed")

	return map[string]any{
		"job_id":        task.JobID,
		"output_files":  outputFiles,
		"uploaded_urls": uploaded,
		"render_settings": map[string]any{
			"resolution": []int{params.Resolution[0], params.Resolution[1]},
			"format":     params.OutputFormat,
			"frames":     []int{params.FrameStart, params.FrameEnd},
		},
	}, nil
}

// decodeRenderParams overlays task parameters on the render defaults. Frames default to 1-1.
func decodeRenderParams(raw map[string]any) (models.RenderParams, error) {
	params := models.DefaultRenderParams()
	data, err := json.Marshal(raw)
	if err != nil {
		return params, fmt.Errorf("marshal parameters: %w", err)
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("decode parameters: %w", err)
	}
	if params.FrameStart <= 0 {
		params.FrameStart = 1
	}
	if params.FrameEnd == 0 {
		params.FrameEnd = params.FrameStart
	}
	if err := params.Validate(); err != nil {
		return params, err
	}
	if params.FrameEnd-params.FrameStart+1 > maxFrames {
		return params, fmt.Errorf("render: at most %d frames per job", maxFrames)
	}
	return params, nil
}
