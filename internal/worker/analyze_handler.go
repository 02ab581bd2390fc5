package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"slack-ai-gateway/internal/models"
	"slack-ai-gateway/internal/queue"
)

const (
	summaryChars = 100
	maxTopics    = 3
)

var (
	positiveWords = wordSet("good", "great", "love", "amazing", "excellent", "happy", "awesome", "fantastic", "like", "nice", "best", "wonderful")
	negativeWords = wordSet("bad", "terrible", "hate", "awful", "poor", "sad", "worst", "horrible", "broken", "angry", "slow", "bug")
	stopWords     = wordSet("the", "and", "for", "this", "that", "with", "from", "text", "analyze", "about", "have", "are", "was", "you", "your", "its", "it's", "sentiment", "into", "what")
)

func wordSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

// Analysis is the output of analyze_content.
type Analysis struct {
	ContentType string   `json:"content_type"`
	Sentiment   string   `json:"sentiment"`
	Topics      []string `json:"topics"`
	Summary     string   `json:"summary"`
}

// Analyze scores sentiment from a small word lexicon and picks the most
// frequent non-stopword tokens as topics.
func Analyze(content string) Analysis {
	words := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})

	score := 0
	counts := map[string]int{}
	firstSeen := map[string]int{}
	for i, w := range words {
		w = strings.Trim(w, "'")
		if _, ok := positiveWords[w]; ok {
			score++
		}
		if _, ok := negativeWords[w]; ok {
			score--
		}
		if len(w) < 3 {
			continue
		}
		if _, ok := stopWords[w]; ok {
			continue
		}
		if _, ok := counts[w]; !ok {
			firstSeen[w] = i
		}
		counts[w]++
	}

	sentiment := "neutral"
	switch {
	case score > 0:
		sentiment = "positive"
	case score < 0:
		sentiment = "negative"
	}

	topics := make([]string, 0, len(counts))
	for w := range counts {
		topics = append(topics, w)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return firstSeen[topics[i]] < firstSeen[topics[j]]
	})
	if len(topics) > maxTopics {
		topics = topics[:maxTopics]
	}

	return Analysis{
		ContentType: "text",
		Sentiment:   sentiment,
		Topics:      topics,
		Summary:     "Analysis of: " + truncateRunes(content, summaryChars) + "...",
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// AnalyzeHandler runs analyze_content tasks.
type AnalyzeHandler struct {
	uploader Uploader
	logger   zerolog.Logger
}

func NewAnalyzeHandler(uploader Uploader, logger zerolog.Logger) *AnalyzeHandler {
	return &AnalyzeHandler{uploader: uploader, logger: logger.With().Str("handler", queue.TaskAnalyzeContent).Logger()}
}

func (h *AnalyzeHandler) Handle(ctx context.Context, task queue.Task) (map[string]any, error) {
	params, err := decodeAnalyzeParams(task.Parameters)
	if err != nil {
		return nil, permanent(err)
	}
	analysis := Analyze(params.Content)

	body, err := json.Marshal(analysis)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis: %w", err)
	}
	url, err := h.uploader.Upload(ctx, fmt.Sprintf("analysis/%s.json", task.JobID), body, "application/json")
	if err != nil {
		return nil, fmt.Errorf("upload analysis: %w", err)
	}
	h.logger.Info().Str("job_id", task.JobID).Str("sentiment", analysis.Sentiment).Msg("analysis completed")

	return map[string]any{
		"content_type":  analysis.ContentType,
		"analysis_type": params.AnalysisType,
		"sentiment":     analysis.Sentiment,
		"topics":        analysis.Topics,
		"summary":       analysis.Summary,
		"s3_url":        url,
	}, nil
}

func decodeAnalyzeParams(raw map[string]any) (models.AnalyzeParams, error) {
	params := models.AnalyzeParams{AnalysisType: models.DefaultAnalysisType}
	data, err := json.Marshal(raw)
	if err != nil {
		return params, fmt.Errorf("marshal parameters: %w", err)
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("decode parameters: %w", err)
	}
	if params.AnalysisType == "" {
		params.AnalysisType = models.DefaultAnalysisType
	}
	return params, params.Validate()
}
