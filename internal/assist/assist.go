// Package assist is the client for the platform's AI question endpoint.
// It sends one question plus a short window of room history and returns the
// generated answer; conversation state lives entirely on the backend.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"kruzhok/internal/models"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    http.DefaultClient,
	}
}

type contextMessage struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

type askRequest struct {
	Question string           `json:"question"`
	Context  []contextMessage `json:"context,omitempty"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

// Answer posts the question with the given history as context and returns
// the generated answer.
func (c *Client) Answer(ctx context.Context, question string, history []models.Message) (string, error) {
	req := askRequest{Question: question}
	for _, msg := range history {
		author := msg.AuthorID
		if msg.Author != nil && msg.Author.Username != "" {
			author = msg.Author.Username
		}
		req.Context = append(req.Context, contextMessage{Author: author, Body: msg.Body})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal question: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ai/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("apikey", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("assistant request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read assistant response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("assistant returned status %d: %s", resp.StatusCode, string(data))
	}

	var parsed askResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode assistant response: %w", err)
	}
	if parsed.Answer == "" {
		return "", fmt.Errorf("assistant returned an empty answer")
	}
	return parsed.Answer, nil
}
