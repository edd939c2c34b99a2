package repository

import (
	"testing"
	"time"
)

func TestRevocationCacheDropsLeastRecent(t *testing.T) {
	c := NewRevocationCache(2, time.Minute)
	c.Add("a", 0)
	c.Add("b", 0)
	if !c.Contains("a") {
		t.Fatalf("a should be cached")
	}
	c.Add("c", 0)
	if c.Contains("b") {
		t.Fatalf("b was least recently seen and should be dropped")
	}
	if !c.Contains("a") || !c.Contains("c") {
		t.Fatalf("a and c should survive")
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
}

func TestRevocationCacheExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewRevocationCache(4, time.Minute)
	c.now = func() time.Time { return now }

	c.Add("short", 10*time.Second)
	c.Add("default", 0)

	now = now.Add(30 * time.Second)
	if c.Contains("short") {
		t.Fatalf("expired hash reported as revoked")
	}
	if !c.Contains("default") {
		t.Fatalf("hash with default ttl expired early")
	}
	if c.Len() != 1 {
		t.Fatalf("expired hash not removed, len = %d", c.Len())
	}

	c.Add("default", 0)
	now = now.Add(45 * time.Second)
	if !c.Contains("default") {
		t.Fatalf("re-adding should refresh the expiry")
	}
}

func TestRevocationCacheWithoutTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewRevocationCache(0, 0)
	c.now = func() time.Time { return now }
	c.Add("forever", 0)
	now = now.Add(24 * time.Hour)
	if !c.Contains("forever") {
		t.Fatalf("hash without ttl should not expire")
	}
}
