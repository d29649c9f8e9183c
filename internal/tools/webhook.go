package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"loombot/internal/storage"
)

const webhookResponseLimit = 16 << 10

// callWebhook invokes a custom tool. Auth is injected per the stored
// descriptor; GET/HEAD serialize arguments as query parameters, other
// methods send a JSON body.
func (r *Registry) callWebhook(ctx context.Context, tool storage.Tool, args map[string]any) (string, error) {
	var req *http.Request
	var err error

	switch tool.Method {
	case http.MethodGet, http.MethodHead:
		u, perr := url.Parse(tool.Endpoint)
		if perr != nil {
			return "", fmt.Errorf("parse endpoint: %w", perr)
		}
		q := u.Query()
		for k, v := range args {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, tool.Method, u.String(), nil)
	default:
		body, merr := json.Marshal(args)
		if merr != nil {
			return "", fmt.Errorf("marshal arguments: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, tool.Method, tool.Endpoint, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}

	if tool.HeadersJSON != "" && tool.HeadersJSON != "{}" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(tool.HeadersJSON), &headers); err == nil {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}
	}
	if err := r.injectAuth(req, tool); err != nil {
		return "", err
	}

	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", tool.Name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, webhookResponseLimit))
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", tool.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%s returned status %d", tool.Name, resp.StatusCode)
	}
	return truncateText(string(body), 4000), nil
}

func (r *Registry) injectAuth(req *http.Request, tool storage.Tool) error {
	if tool.AuthType == "" {
		return nil
	}
	if tool.EncAuthSecret == nil || *tool.EncAuthSecret == "" {
		return fmt.Errorf("tool %s has auth type %s but no stored secret", tool.Name, tool.AuthType)
	}
	secret, err := r.keyring.OpenString(*tool.EncAuthSecret)
	if err != nil {
		return fmt.Errorf("open tool secret: %w", err)
	}

	switch tool.AuthType {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+secret)
	case "header":
		req.Header.Set(tool.AuthParam, secret)
	case "query":
		q := req.URL.Query()
		q.Set(tool.AuthParam, secret)
		req.URL.RawQuery = q.Encode()
	default:
		return fmt.Errorf("unknown auth type %q", tool.AuthType)
	}
	return nil
}
