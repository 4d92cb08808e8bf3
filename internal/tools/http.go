package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sidekick-labs/sidekick/internal/llm"
)

const maxFetchBytes int64 = 1 << 20 // 1MB of page text is plenty for a model turn

// FetchTool gives the agent read access to the public web. Requests
// are model-driven, so the dialer refuses private and link-local
// destinations at connect time to keep internal services unreachable
// even through DNS rebinding.
type FetchTool struct {
	client  *http.Client
	maxSize int64
}

// NewFetchTool constructs the web fetch tool.
func NewFetchTool() *FetchTool {
	return &FetchTool{
		client: &http.Client{
			Transport: newGuardedTransport(),
			Timeout:   30 * time.Second,
		},
		maxSize: maxFetchBytes,
	}
}

func (t *FetchTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "web_fetch",
		Description: "Fetch the contents of a public web page or API endpoint. Use GET for pages, POST with a JSON body for APIs.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":    map[string]any{"type": "string", "description": "Absolute http(s) URL to fetch"},
				"method": map[string]any{"type": "string", "enum": []string{"GET", "POST"}},
				"body":   map[string]any{"type": "object", "description": "JSON body for POST requests"},
			},
			"required": []string{"url"},
		},
	}
}

func (t *FetchTool) Execute(ctx context.Context, _ Context, input map[string]any) (string, error) {
	rawURL, _ := input["url"].(string)
	if rawURL == "" {
		return "", fmt.Errorf("web_fetch: url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return "", fmt.Errorf("web_fetch: only http(s) URLs are supported")
	}

	method := http.MethodGet
	if m, _ := input["method"].(string); strings.EqualFold(m, "POST") {
		method = http.MethodPost
	}

	var body io.Reader
	if raw, ok := input["body"].(map[string]any); ok && method == http.MethodPost {
		data, err := json.Marshal(raw)
		if err != nil {
			return "", fmt.Errorf("web_fetch: marshal body: %w", err)
		}
		body = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return "", fmt.Errorf("web_fetch: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("web_fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, truncated, err := readLimited(resp.Body, t.maxSize)
	if err != nil {
		return "", fmt.Errorf("web_fetch: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("web_fetch: status %d: %s", resp.StatusCode, string(data))
	}

	out := string(data)
	if truncated {
		out += "\n[response truncated at 1MB]"
	}
	return out, nil
}

// readLimited reads up to limit bytes and reports whether the stream
// had more.
func readLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	lr := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// isInternalIP reports whether ip falls in a loopback, private, or
// link-local range.
func isInternalIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// newGuardedTransport validates resolved addresses at dial time so a
// hostname cannot rebind to an internal address after a benign first
// resolution.
func newGuardedTransport() *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", addr, err)
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("resolve %q: %w", host, err)
			}
			for _, ip := range ips {
				if isInternalIP(ip.IP) {
					return nil, fmt.Errorf("refusing internal address %s for %s", ip.IP, host)
				}
			}
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
		},
	}
}
