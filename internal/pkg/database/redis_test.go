package database

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisEmptyURL(t *testing.T) {
	client, err := NewRedis(context.Background(), "")
	if err != nil || client != nil {
		t.Fatalf("expected nil client and no error, got %v, %v", client, err)
	}
}

func TestNewRedisConnects(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer CloseRedis(client)

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("expected value in redis, got %q", got)
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := NewRedis(context.Background(), "redis://"+addr); err == nil {
		t.Fatalf("expected ping failure")
	}
	if _, err := NewRedis(context.Background(), "://bad"); err == nil {
		t.Fatalf("expected parse failure")
	}
}

func TestCloseRedisNil(t *testing.T) {
	CloseRedis(nil)
}
