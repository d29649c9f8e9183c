// Package genlang implements the provider contract against a Gemini-style
// generative language HTTP API.
package genlang

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loombot/internal/provider"
)

type Config struct {
	BaseURL     string
	APIKey      string
	APIVersion  string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v1beta"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ provider.Client = (*Client)(nil)

func (c *Client) GenerateContent(ctx context.Context, req provider.Request) (provider.Response, error) {
	if strings.TrimSpace(req.Model) == "" {
		return provider.Response{}, fmt.Errorf("model is empty")
	}
	body, err := buildPayload(req)
	if err != nil {
		return provider.Response{}, err
	}
	endpointURL := fmt.Sprintf("%s/%s/models/%s:generateContent",
		strings.TrimSuffix(c.cfg.BaseURL, "/"), c.cfg.APIVersion, req.Model)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retry, err := c.callOnce(ctx, endpointURL, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return provider.Response{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return provider.Response{}, lastErr
}

func (c *Client) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	endpointURL := fmt.Sprintf("%s/%s/models?pageSize=200",
		strings.TrimSuffix(c.cfg.BaseURL, "/"), c.cfg.APIVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build list models request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read list models response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var parsed struct {
		Models []struct {
			Name                       string   `json:"name"`
			InputTokenLimit            int      `json:"inputTokenLimit"`
			OutputTokenLimit           int      `json:"outputTokenLimit"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode list models response: %w", err)
	}

	out := make([]provider.ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		if !supportsGenerate(m.SupportedGenerationMethods) {
			continue
		}
		out = append(out, provider.ModelInfo{
			Name:             strings.TrimPrefix(m.Name, "models/"),
			InputTokenLimit:  m.InputTokenLimit,
			OutputTokenLimit: m.OutputTokenLimit,
		})
	}
	return out, nil
}

func supportsGenerate(methods []string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}
	return false
}

func buildPayload(req provider.Request) ([]byte, error) {
	payload := map[string]any{
		"contents": encodeMessages(req.Messages),
	}
	if strings.TrimSpace(req.SystemInstruction) != "" {
		payload["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.SystemInstruction}},
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			d := map[string]any{
				"name":        t.Name,
				"description": t.Description,
			}
			if t.Parameters != nil {
				d["parameters"] = t.Parameters
			}
			decls = append(decls, d)
		}
		payload["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	genCfg := map[string]any{}
	if req.Temperature > 0 {
		genCfg["temperature"] = req.Temperature
	}
	if req.MaxOutputTokens > 0 {
		genCfg["maxOutputTokens"] = req.MaxOutputTokens
	}
	if len(genCfg) > 0 {
		payload["generationConfig"] = genCfg
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return b, nil
}

func encodeMessages(messages []provider.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		parts := make([]map[string]any, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch {
			case p.FunctionCall != nil:
				parts = append(parts, map[string]any{"functionCall": map[string]any{
					"name": p.FunctionCall.Name,
					"args": p.FunctionCall.Args,
				}})
			case p.FunctionResponse != nil:
				parts = append(parts, map[string]any{"functionResponse": map[string]any{
					"name":     p.FunctionResponse.Name,
					"response": p.FunctionResponse.Response,
				}})
			case p.InlineData != nil:
				parts = append(parts, map[string]any{"inlineData": map[string]any{
					"mimeType": p.InlineData.MIMEType,
					"data":     base64.StdEncoding.EncodeToString(p.InlineData.Data),
				}})
			default:
				parts = append(parts, map[string]any{"text": p.Text})
			}
		}
		out = append(out, map[string]any{"role": m.Role, "parts": parts})
	}
	return out
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (resp provider.Response, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return provider.Response{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	httpResp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return provider.Response{}, true, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return provider.Response{}, false, fmt.Errorf("read response body: %w", err)
	}

	if httpResp.StatusCode >= 500 {
		return provider.Response{}, true, fmt.Errorf("provider temporary status %d", httpResp.StatusCode)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		// quota errors are terminal for this candidate; the cascade moves on
		return provider.Response{}, false, classifyStatus(httpResp.StatusCode, respBody)
	}

	parsed, err := parseGenerateResponse(respBody)
	if err != nil {
		return provider.Response{}, false, err
	}
	return parsed, false, nil
}

func classifyStatus(status int, body []byte) error {
	var apiErr struct {
		Error struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)

	if status == http.StatusTooManyRequests || apiErr.Error.Status == "RESOURCE_EXHAUSTED" {
		if apiErr.Error.Message != "" {
			return fmt.Errorf("%w: %s", provider.ErrQuotaExceeded, apiErr.Error.Message)
		}
		return fmt.Errorf("%w: status %d", provider.ErrQuotaExceeded, status)
	}
	if apiErr.Error.Message != "" {
		return fmt.Errorf("provider status %d: %s", status, apiErr.Error.Message)
	}
	return fmt.Errorf("provider status %d", status)
}

func parseGenerateResponse(body []byte) (provider.Response, error) {
	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text         string `json:"text"`
					FunctionCall *struct {
						Name string         `json:"name"`
						Args map[string]any `json:"args"`
					} `json:"functionCall"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return provider.Response{}, fmt.Errorf("decode generate response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return provider.Response{}, fmt.Errorf("empty candidates in generate response")
	}

	resp := provider.Response{
		Raw: body,
		Usage: provider.Usage{
			PromptTokens:   parsed.UsageMetadata.PromptTokenCount,
			ResponseTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:    parsed.UsageMetadata.TotalTokenCount,
		},
	}

	texts := make([]string, 0, 1)
	for _, p := range parsed.Candidates[0].Content.Parts {
		if p.FunctionCall != nil {
			resp.FunctionCalls = append(resp.FunctionCalls, provider.FunctionCall{
				Name: p.FunctionCall.Name,
				Args: p.FunctionCall.Args,
			})
			continue
		}
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	resp.Text = strings.Join(texts, "")

	if resp.Text == "" && len(resp.FunctionCalls) == 0 {
		return provider.Response{}, fmt.Errorf("missing content in generate response")
	}
	return resp, nil
}
