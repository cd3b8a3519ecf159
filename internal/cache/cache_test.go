package cache

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestFSRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := NewFS(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("new fs cache: %v", err)
	}

	key := Key("link", "https://example.com/a")
	if _, ok, err := c.Get(ctx, key); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Put(ctx, key, []byte("article body")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(data) != "article body" {
		t.Fatalf("unexpected value %q", data)
	}
}

func TestFSExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := NewFS(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatalf("new fs cache: %v", err)
	}
	if err := c.Put(ctx, "ocr:abc", []byte("text")); err != nil {
		t.Fatalf("put: %v", err)
	}

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, ok, _ := c.Get(ctx, "ocr:abc"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if _, err := os.Stat(c.path("ocr:abc")); !os.IsNotExist(err) {
		t.Fatalf("expired entry should be removed, stat err=%v", err)
	}
}

func TestKeyIsNamespacedAndStable(t *testing.T) {
	t.Parallel()

	a := Key("link", "https://example.com")
	b := Key("link", "https://example.com")
	if a != b {
		t.Fatal("key is not stable")
	}
	if !strings.HasPrefix(a, "link:") || len(a) != len("link:")+64 {
		t.Fatalf("unexpected key %q", a)
	}
	if Key("ocr", "https://example.com") == a {
		t.Fatal("namespaces should not collide")
	}
}

func TestNewBackends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := New(ctx, "none", "", "", 0)
	if err != nil {
		t.Fatalf("none backend: %v", err)
	}
	if err := c.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("nop put: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("nop cache should never hit")
	}

	if _, err := New(ctx, "memcached", "", "", 0); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestRedisRoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	ctx := context.Background()
	c, err := NewRedis(ctx, url, time.Minute)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	key := Key("test", t.Name())
	if err := c.Put(ctx, key, []byte("value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok || string(data) != "value" {
		t.Fatalf("unexpected get: %q ok=%v err=%v", data, ok, err)
	}
}
