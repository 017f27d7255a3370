// Package assistant asks an external generative-text API about the recipe a
// room is cooking. Failures never escape: Ask always returns an Outcome.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cookroom/internal/room"
)

// DefaultEndpoint is the Gemini generateContent URL used when none is configured.
const DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent"

var (
	ErrNoCandidates = errors.New("assistant: response has no candidate text")
	ErrUpstream     = errors.New("assistant: upstream error")
)

// Context is what the asker's room knows at the moment of the question.
type Context struct {
	Recipe   room.Recipe
	Step     int
	Question string
}

type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// New builds a client. The caller owns timeouts through httpClient.
func New(httpClient *http.Client, endpoint, apiKey string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{httpClient: httpClient, endpoint: endpoint, apiKey: apiKey}
}

// Ask turns any failure into a Fallback.
func (c *Client) Ask(ctx context.Context, in Context) Outcome {
	text, err := c.generate(ctx, BuildPrompt(in))
	if err != nil {
		return Fallback{Reason: err}
	}
	return Answer{Body: text}
}

// BuildPrompt embeds the recipe, the asker's step and the question verbatim.
func BuildPrompt(in Context) string {
	var b strings.Builder
	b.WriteString("You are a friendly cooking assistant helping people cook together.\n")
	fmt.Fprintf(&b, "Recipe: %s\n", in.Recipe.Name)
	fmt.Fprintf(&b, "Ingredients: %s\n", strings.Join(in.Recipe.Ingredients, ", "))
	fmt.Fprintf(&b, "Cooking time: %d minutes\n", in.Recipe.CookingTime)
	fmt.Fprintf(&b, "The user is on step %d.\n", in.Step)
	fmt.Fprintf(&b, "Question: %s\n", in.Question)
	b.WriteString("Answer briefly and practically.")
	return b.String()
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

func (r generateResponse) firstText() (string, error) {
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return "", ErrNoCandidates
	}
	text := r.Candidates[0].Content.Parts[0].Text
	if strings.TrimSpace(text) == "" {
		return "", ErrNoCandidates
	}
	return text, nil
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("assistant: marshaling request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("assistant: creating request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("x-goog-api-key", c.apiKey)

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("assistant: sending request: %w", err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrUpstream, httpResponse.StatusCode, bytes.TrimSpace(snippet))
	}

	var wire generateResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wire); err != nil {
		return "", fmt.Errorf("assistant: decoding response: %w", err)
	}
	return wire.firstText()
}
