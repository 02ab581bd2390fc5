package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Render defaults applied when a completion asks for a render.
const (
	DefaultScene        = "default.blend"
	DefaultOutputFormat = "png"
	DefaultAnalysisType = "sentiment"
)

// DefaultResolution is width, height in pixels.
var DefaultResolution = [2]int{1920, 1080}

// RenderParams parameterizes a render_scene task.
type RenderParams struct {
	Scene        string `json:"scene"`
	OutputFormat string `json:"output_format"`
	Resolution   [2]int `json:"resolution"`
	FrameStart   int    `json:"frame_start,omitempty"`
	FrameEnd     int    `json:"frame_end,omitempty"`
}

// DefaultRenderParams returns the parameter set used for render triggers.
func DefaultRenderParams() RenderParams {
	return RenderParams{
		Scene:        DefaultScene,
		OutputFormat: DefaultOutputFormat,
		Resolution:   DefaultResolution,
	}
}

// Validate checks the render parameters are usable by a worker.
func (p RenderParams) Validate() error {
	if strings.TrimSpace(p.Scene) == "" {
		return errors.New("render: scene is required")
	}
	if p.OutputFormat == "" {
		return errors.New("render: output_format is required")
	}
	if p.Resolution[0] <= 0 || p.Resolution[1] <= 0 {
		return fmt.Errorf("render: invalid resolution %dx%d", p.Resolution[0], p.Resolution[1])
	}
	if p.FrameEnd != 0 && p.FrameEnd < p.FrameStart {
		return fmt.Errorf("render: frame_end %d before frame_start %d", p.FrameEnd, p.FrameStart)
	}
	return nil
}

// AnalyzeParams parameterizes an analyze_content task.
type AnalyzeParams struct {
	Content      string `json:"content"`
	AnalysisType string `json:"analysis_type"`
}

// Validate checks the analysis parameters carry content.
func (p AnalyzeParams) Validate() error {
	if strings.TrimSpace(p.Content) == "" {
		return errors.New("analyze: content is required")
	}
	if p.AnalysisType == "" {
		return errors.New("analyze: analysis_type is required")
	}
	return nil
}

// Action is an instruction extracted from a provider completion. Kind selects
// which of the parameter fields is set; exactly one is non-nil.
type Action struct {
	Kind    JobKind
	Render  *RenderParams
	Analyze *AnalyzeParams
}

// NewRenderAction wraps render parameters.
func NewRenderAction(p RenderParams) Action {
	return Action{Kind: KindRender, Render: &p}
}

// NewAnalyzeAction wraps analysis parameters.
func NewAnalyzeAction(p AnalyzeParams) Action {
	return Action{Kind: KindAnalyze, Analyze: &p}
}

// Validate ensures the discriminant matches the populated parameter shape.
func (a Action) Validate() error {
	switch a.Kind {
	case KindRender:
		if a.Render == nil || a.Analyze != nil {
			return errors.New("render action must carry only render parameters")
		}
		return a.Render.Validate()
	case KindAnalyze:
		if a.Analyze == nil || a.Render != nil {
			return errors.New("analyze action must carry only analyze parameters")
		}
		return a.Analyze.Validate()
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// Parameters flattens the active parameter shape into a generic map for persistence.
func (a Action) Parameters() (map[string]any, error) {
	var v any
	switch a.Kind {
	case KindRender:
		v = a.Render
	case KindAnalyze:
		v = a.Analyze
	default:
		return nil, fmt.Errorf("unknown action kind %q", a.Kind)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return out, nil
}
