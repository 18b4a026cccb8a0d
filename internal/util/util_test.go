package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string unchanged", "hello", 10, "hello"},
		{"exact length unchanged", "hello", 5, "hello"},
		{"long string truncated", "hello world", 8, "hello..."},
		{"tiny maxLen returns ellipsis", "hello", 3, "..."},
		{"unicode counted by rune", "héllo wörld", 8, "héllo..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateString(tt.input, tt.maxLen); got != tt.expected {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestTruncateANSI(t *testing.T) {
	styled := lipgloss.NewStyle().Bold(true).Render("waiting for checks")
	got := TruncateANSI(styled, 10)
	if w := lipgloss.Width(got); w > 10 {
		t.Errorf("visual width = %d, want <= 10", w)
	}
	if TruncateANSI("short", 10) != "short" {
		t.Error("short strings should be unchanged")
	}
}

func TestTailLines(t *testing.T) {
	in := "a\nb\nc\nd\n"
	if got := TailLines(in, 2); got != "c\nd" {
		t.Errorf("TailLines = %q", got)
	}
	if got := TailLines(in, 10); got != "a\nb\nc\nd" {
		t.Errorf("TailLines = %q", got)
	}
	if got := TailLines(in, 0); got != "" {
		t.Errorf("TailLines(0) = %q", got)
	}
}

func TestSleep(t *testing.T) {
	t.Run("completes when not canceled", func(t *testing.T) {
		if err := Sleep(context.Background(), time.Millisecond); err != nil {
			t.Fatalf("Sleep returned %v", err)
		}
	})

	t.Run("returns early on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		err := Sleep(ctx, time.Minute)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Sleep error = %v, want context.Canceled", err)
		}
		if time.Since(start) > 5*time.Second {
			t.Error("Sleep was not interrupted")
		}
	})

	t.Run("zero duration reports context state", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := Sleep(ctx, 0); !errors.Is(err, context.Canceled) {
			t.Errorf("Sleep(0) on canceled ctx = %v", err)
		}
	})
}
