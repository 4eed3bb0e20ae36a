package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLink_Usable(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name string
		link Link
		want error
	}{
		{"active", Link{Status: StatusActive}, nil},
		{"paused", Link{Status: StatusPaused}, ErrInactive},
		{"expired status", Link{Status: StatusExpired}, ErrInactive},
		{"past expiry", Link{Status: StatusActive, ExpiresAt: now.Add(-time.Hour)}, ErrExpired},
		{"future expiry", Link{Status: StatusActive, ExpiresAt: now.Add(time.Hour)}, nil},
		{"limit reached", Link{Status: StatusActive, ClickLimit: 10, ClickCount: 10}, ErrLimitReached},
		{"under limit", Link{Status: StatusActive, ClickLimit: 10, ClickCount: 9}, nil},
		{"unlimited", Link{Status: StatusActive, ClickCount: 1 << 20}, nil},
	}
	for _, tc := range cases {
		if got := tc.link.Usable(now); !errors.Is(got, tc.want) && got != tc.want {
			t.Errorf("%s: Usable() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSQLite_RoundTrip(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "links.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	link := Link{
		ID:          "link-1",
		ShortCode:   "abc123",
		Destination: "https://example.com/page?id=42",
		Status:      StatusActive,
		ExpiresAt:   time.Now().Add(time.Hour).Truncate(time.Millisecond),
		ClickLimit:  100,
	}
	if err := s.Upsert(ctx, link); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := s.Resolve(ctx, "abc123")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.ID != link.ID || got.Destination != link.Destination || got.ClickLimit != 100 {
		t.Errorf("Resolve = %+v, want %+v", got, link)
	}
	if !got.ExpiresAt.Equal(link.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, link.ExpiresAt)
	}

	dest, err := s.ResolveDestination(ctx, "link-1")
	if err != nil {
		t.Fatalf("ResolveDestination failed: %v", err)
	}
	if dest != link.Destination {
		t.Errorf("ResolveDestination = %q, want %q", dest, link.Destination)
	}
}

func TestSQLite_NotFound(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "links.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Resolve(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve = %v, want ErrNotFound", err)
	}
	if _, err := s.ResolveDestination(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolveDestination = %v, want ErrNotFound", err)
	}
}

func TestSQLite_RecordClick(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "links.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	s.Upsert(ctx, Link{ID: "link-1", ShortCode: "abc", Destination: "https://example.com", Status: StatusActive})
	for i := 0; i < 3; i++ {
		if err := s.RecordClick(ctx, "link-1"); err != nil {
			t.Fatalf("RecordClick failed: %v", err)
		}
	}
	got, _ := s.Resolve(ctx, "abc")
	if got.ClickCount != 3 {
		t.Errorf("ClickCount = %d, want 3", got.ClickCount)
	}
}
