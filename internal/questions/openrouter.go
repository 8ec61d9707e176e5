package questions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/victornm/ebuzz/internal/domain"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "mistralai/mixtral-8x7b-instruct"
	defaultTimeout = 15 * time.Second
)

type OpenRouterConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// OpenRouter generates questions through an OpenRouter-compatible
// chat-completions API. The model is asked for a bare JSON array; anything
// it wraps around the array is stripped before decoding.
type OpenRouter struct {
	c    OpenRouterConfig
	http *http.Client
}

func NewOpenRouter(c OpenRouterConfig) *OpenRouter {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}

	return &OpenRouter{
		c:    c,
		http: &http.Client{Timeout: c.Timeout},
	}
}

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type generatedQuestion struct {
	Text       string   `json:"text"`
	Answers    []string `json:"answers"`
	Correct    int      `json:"correct"`
	Difficulty string   `json:"difficulty"`
}

func (o *OpenRouter) Generate(ctx context.Context, theme string, difficulty domain.Difficulty, count int) ([]domain.Question, error) {
	body, err := json.Marshal(chatRequest{
		Model: o.c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are an expert quiz question writer."},
			{Role: "user", Content: prompt(theme, difficulty, count)},
		},
		Temperature: 0.7,
		MaxTokens:   2000,
	})
	if err != nil {
		return nil, fmt.Errorf("questions: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("questions: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("questions: call model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("questions: model returned status %d", resp.StatusCode)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("questions: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("questions: empty response")
	}

	return parseQuestions(cr.Choices[0].Message.Content, theme, difficulty)
}

func parseQuestions(content, theme string, difficulty domain.Difficulty) ([]domain.Question, error) {
	match := jsonArrayPattern.FindString(content)
	if match == "" {
		return nil, fmt.Errorf("questions: no JSON array in model output")
	}

	var raw []generatedQuestion
	if err := json.Unmarshal([]byte(match), &raw); err != nil {
		return nil, fmt.Errorf("questions: decode model output: %w", err)
	}

	qs := make([]domain.Question, 0, len(raw))
	for i, g := range raw {
		if g.Text == "" || len(g.Answers) != 4 || g.Correct < 0 || g.Correct > 3 {
			return nil, fmt.Errorf("questions: malformed question at index %d", i)
		}
		qs = append(qs, domain.Question{
			Text:       g.Text,
			Answers:    g.Answers,
			Correct:    g.Correct,
			Difficulty: difficulty,
			Theme:      theme,
		})
	}
	return qs, nil
}

func prompt(theme string, difficulty domain.Difficulty, count int) string {
	return fmt.Sprintf(`Write %d %s-difficulty quiz questions about "%s" as JSON.
Each question must have:
- text: the question
- answers: a list of 4 possible answers
- correct: the index of the correct answer (0-3)
- difficulty: %s

Output format:
[
    {
        "text": "Question here",
        "answers": ["Answer 1", "Answer 2", "Answer 3", "Answer 4"],
        "correct": 0,
        "difficulty": "%s"
    },
    ...
]
Output only the JSON array.`, count, difficulty, theme, difficulty, difficulty)
}
