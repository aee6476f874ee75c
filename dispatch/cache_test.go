package dispatch

import (
	"context"
	"testing"
	"time"
)

func TestRedisCachePrefixKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{name: "default prefix", prefix: "contractflow:", key: "tr-1:send-email:1", want: "contractflow:result:tr-1:send-email:1"},
		{name: "empty prefix", prefix: "", key: "k", want: "result:k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewRedisCache(nil, tt.prefix, time.Hour)
			if got := c.prefixKey(tt.key); got != tt.want {
				t.Errorf("prefixKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestRedisCacheRejectsEmptyKey(t *testing.T) {
	c := NewRedisCache(nil, "p:", time.Hour)
	if err := c.Set(context.Background(), "", []byte("x")); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestRedisCacheHonoursCancelledContext(t *testing.T) {
	c := NewRedisCache(nil, "p:", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := c.Get(ctx, "k"); err == nil {
		t.Fatal("expected context error")
	}
}

func TestMemoryCacheCopiesValues(t *testing.T) {
	c := NewMemoryCache()
	v := []byte(`{"a":1}`)
	if err := c.Set(context.Background(), "k", v); err != nil {
		t.Fatalf("set: %v", err)
	}
	v[0] = 'X'

	got, ok, err := c.Get(context.Background(), "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("got %s", got)
	}
	if _, ok, _ := c.Get(context.Background(), "missing"); ok {
		t.Error("missing key reported as present")
	}
}

func TestNormalizeResult(t *testing.T) {
	if got := normalizeResult(nil); got != nil {
		t.Errorf("empty body = %s, want nil", got)
	}
	if got := string(normalizeResult([]byte(`{"id":"x"}`))); got != `{"id":"x"}` {
		t.Errorf("json body = %s", got)
	}
	if got := string(normalizeResult([]byte(`done`))); got != `"done"` {
		t.Errorf("text body = %s", got)
	}
}
