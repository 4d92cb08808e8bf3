package tools

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsInternalIP(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.0.5", true},
		{"::1", true},
		{"fe80::1", true},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"2606:4700::1111", false},
	}
	for _, tt := range tests {
		if got := isInternalIP(net.ParseIP(tt.addr)); got != tt.want {
			t.Errorf("isInternalIP(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestReadLimited(t *testing.T) {
	data, truncated, err := readLimited(strings.NewReader("hello world"), 5)
	if err != nil {
		t.Fatalf("readLimited: %v", err)
	}
	if !truncated {
		t.Error("expected truncation")
	}
	if string(data) != "hello" {
		t.Errorf("data = %q", data)
	}

	data, truncated, err = readLimited(strings.NewReader("short"), 100)
	if err != nil {
		t.Fatalf("readLimited: %v", err)
	}
	if truncated {
		t.Error("unexpected truncation")
	}
	if string(data) != "short" {
		t.Errorf("data = %q", data)
	}
}

func TestFetchRejectsLoopbackTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("internal secret"))
	}))
	defer srv.Close()

	tool := NewFetchTool()
	_, err := tool.Execute(context.Background(), Context{}, map[string]any{"url": srv.URL})
	if err == nil {
		t.Fatal("expected loopback fetch to be refused")
	}
}

func TestFetchValidatesInput(t *testing.T) {
	tool := NewFetchTool()
	tests := []struct {
		name  string
		input map[string]any
	}{
		{"missing url", map[string]any{}},
		{"non-http scheme", map[string]any{"url": "file:///etc/passwd"}},
		{"relative url", map[string]any{"url": "example.com/page"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tool.Execute(context.Background(), Context{}, tt.input); err == nil {
				t.Error("expected error")
			}
		})
	}
}
