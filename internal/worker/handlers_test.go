package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"slack-ai-gateway/internal/queue"
)

type memUploader struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemUploader() *memUploader {
	return &memUploader{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memUploader) Upload(_ context.Context, key string, body []byte, contentType string) (string, error) {
	m.objects[key] = body
	m.types[key] = contentType
	return "mem://" + key, nil
}

func TestRenderHandlerWritesFramesLocally(t *testing.T) {
	dir := t.TempDir()
	h := NewRenderHandler(PreviewRenderer{MaxSide: 64}, &localUploader{baseDir: dir}, zerolog.Nop())

	task := queue.Task{
		JobID: "job_r1",
		Name:  queue.TaskRenderScene,
		Parameters: map[string]any{
			"scene":         "ship.blend",
			"output_format": "png",
			"resolution":    []any{float64(16), float64(8)},
			"frame_start":   float64(1),
			"frame_end":     float64(2),
		},
	}
	result, err := h.Handle(context.Background(), task)
	if err != nil {
		t.Fatalf("handle render: %v", err)
	}

	files, _ := result["output_files"].([]string)
	if len(files) != 2 {
		t.Fatalf("expected 2 output files, got %v", result["output_files"])
	}
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(files[0])))
	if err != nil {
		t.Fatalf("frame not written: %v", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if format != "png" || img.Bounds().Dx() != 16 || img.Bounds().Dy() != 8 {
		t.Fatalf("unexpected frame %s %v", format, img.Bounds())
	}

	settings, _ := result["render_settings"].(map[string]any)
	if res, _ := settings["resolution"].([]int); len(res) != 2 || res[0] != 16 || res[1] != 8 {
		t.Fatalf("unexpected render settings %v", settings)
	}
	urls, _ := result["uploaded_urls"].([]string)
	if len(urls) != 2 || !strings.HasPrefix(urls[0], "file://") {
		t.Fatalf("unexpected uploaded urls %v", urls)
	}
}

func TestRenderHandlerDefaults(t *testing.T) {
	up := newMemUploader()
	h := NewRenderHandler(PreviewRenderer{}, up, zerolog.Nop())

	result, err := h.Handle(context.Background(), queue.Task{JobID: "job_r2", Parameters: map[string]any{"resolution": []any{float64(4), float64(4)}}})
	if err != nil {
		t.Fatalf("handle render: %v", err)
	}
	settings := result["render_settings"].(map[string]any)
	if settings["format"] != "png" {
		t.Fatalf("expected default png, got %v", settings["format"])
	}
	if frames := settings["frames"].([]int); frames[0] != 1 || frames[1] != 1 {
		t.Fatalf("expected frames 1-1, got %v", frames)
	}
	if up.types["renders/render_job_r2_0001.png"] != "image/png" {
		t.Fatalf("unexpected uploads %v", up.types)
	}
}

func TestRenderHandlerRejectsBadInput(t *testing.T) {
	h := NewRenderHandler(PreviewRenderer{MaxSide: 32}, newMemUploader(), zerolog.Nop())
	cases := map[string]map[string]any{
		"format":     {"output_format": "open_exr", "resolution": []any{float64(4), float64(4)}},
		"too large":  {"resolution": []any{float64(64), float64(4)}},
		"frames":     {"resolution": []any{float64(4), float64(4)}, "frame_start": float64(5), "frame_end": float64(2)},
		"resolution": {"resolution": []any{float64(0), float64(4)}},
	}
	for name, params := range cases {
		_, err := h.Handle(context.Background(), queue.Task{JobID: "job_bad", Parameters: params})
		if !errors.Is(err, ErrPermanent) {
			t.Fatalf("%s: expected permanent error, got %v", name, err)
		}
	}
}

func TestAnalyze(t *testing.T) {
	a := Analyze("I love this amazing product!")
	if a.Sentiment != "positive" {
		t.Fatalf("expected positive, got %s", a.Sentiment)
	}
	if strings.Join(a.Topics, ",") != "love,amazing,product" {
		t.Fatalf("unexpected topics %v", a.Topics)
	}
	if a.Summary != "Analysis of: I love this amazing product!..." {
		t.Fatalf("unexpected summary %q", a.Summary)
	}

	if got := Analyze("this is terrible and slow").Sentiment; got != "negative" {
		t.Fatalf("expected negative, got %s", got)
	}
	if got := Analyze("the meeting is at noon").Sentiment; got != "neutral" {
		t.Fatalf("expected neutral, got %s", got)
	}

	long := strings.Repeat("é", 150)
	if s := Analyze(long).Summary; s != "Analysis of: "+strings.Repeat("é", 100)+"..." {
		t.Fatalf("summary should keep 100 characters")
	}
}

func TestAnalyzeHandlerUploadsJSON(t *testing.T) {
	up := newMemUploader()
	h := NewAnalyzeHandler(up, zerolog.Nop())

	result, err := h.Handle(context.Background(), queue.Task{
		JobID:      "job_a1",
		Parameters: map[string]any{"content": "great great release", "analysis_type": "sentiment"},
	})
	if err != nil {
		t.Fatalf("handle analyze: %v", err)
	}
	if result["s3_url"] != "mem://analysis/job_a1.json" {
		t.Fatalf("unexpected url %v", result["s3_url"])
	}
	var stored Analysis
	if err := json.Unmarshal(up.objects["analysis/job_a1.json"], &stored); err != nil {
		t.Fatalf("stored analysis is not json: %v", err)
	}
	if stored.Sentiment != "positive" || stored.Topics[0] != "great" {
		t.Fatalf("unexpected stored analysis %+v", stored)
	}

	if _, err := h.Handle(context.Background(), queue.Task{JobID: "job_a2", Parameters: map[string]any{}}); !errors.Is(err, ErrPermanent) {
		t.Fatalf("missing content should be permanent, got %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	if got := sanitizeKey("../../etc/passwd"); got != "etc/passwd" {
		t.Fatalf("got %q", got)
	}
	if got := sanitizeKey("renders/a.png"); got != "renders/a.png" {
		t.Fatalf("got %q", got)
	}
}
