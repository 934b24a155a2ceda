package rules

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCompileTrack(t *testing.T) {
	t.Run("keywords join with OR", func(t *testing.T) {
		specs, err := Compile([]string{"Covid19", "coronavirus"}, KindTrack, 512)
		if err != nil {
			t.Fatalf("Compile() error = %v", err)
		}
		if len(specs) != 1 {
			t.Fatalf("expected one rule, got %d", len(specs))
		}
		if specs[0].Text != "Covid19 OR coronavirus" {
			t.Fatalf("unexpected rule text %q", specs[0].Text)
		}
		if len(specs[0].Targets) != 2 {
			t.Fatalf("expected both targets packed, got %v", specs[0].Targets)
		}
	})

	t.Run("non alphanumeric keywords are quoted", func(t *testing.T) {
		specs, err := Compile([]string{"new york", "covid"}, KindTrack, 512)
		if err != nil {
			t.Fatalf("Compile() error = %v", err)
		}
		if specs[0].Text != `"new york" OR covid` {
			t.Fatalf("unexpected rule text %q", specs[0].Text)
		}
	})

	t.Run("unicode keywords stay bare", func(t *testing.T) {
		specs, err := Compile([]string{"café"}, KindTrack, 512)
		if err != nil {
			t.Fatalf("Compile() error = %v", err)
		}
		if specs[0].Text != "café" {
			t.Fatalf("unexpected rule text %q", specs[0].Text)
		}
		if specs[0].Length != 4 {
			t.Fatalf("expected character length 4, got %d", specs[0].Length)
		}
	})
}

func TestCompileFollow(t *testing.T) {
	specs, err := Compile([]string{"12", "99"}, KindFollow, 512)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	want := "to:12 OR from:12 OR retweets_of:12 OR to:99 OR from:99 OR retweets_of:99"
	if specs[0].Text != want {
		t.Fatalf("unexpected rule text %q, want %q", specs[0].Text, want)
	}
}

func TestCompilePacking(t *testing.T) {
	t.Run("splits when the budget runs out", func(t *testing.T) {
		// "aaaaa OR bbbbb" is 14 characters, so a 15-character budget takes
		// two targets per rule and the third starts a new one.
		specs, err := Compile([]string{"aaaaa", "bbbbb", "ccccc"}, KindTrack, 15)
		if err != nil {
			t.Fatalf("Compile() error = %v", err)
		}
		if len(specs) != 2 {
			t.Fatalf("expected two rules, got %d: %+v", len(specs), specs)
		}
		if specs[0].Text != "aaaaa OR bbbbb" || specs[1].Text != "ccccc" {
			t.Fatalf("unexpected packing: %q / %q", specs[0].Text, specs[1].Text)
		}
	})

	t.Run("exact fit is allowed", func(t *testing.T) {
		specs, err := Compile([]string{"aaaaa", "bbbbb"}, KindTrack, 14)
		if err != nil {
			t.Fatalf("Compile() error = %v", err)
		}
		if len(specs) != 1 || specs[0].Length != 14 {
			t.Fatalf("expected a single 14-character rule, got %+v", specs)
		}
	})

	t.Run("covers every target once in order", func(t *testing.T) {
		var targets []string
		for i := 0; i < 500; i++ {
			targets = append(targets, fmt.Sprintf("10000%05d", i))
		}
		specs, err := Compile(targets, KindFollow, 512)
		if err != nil {
			t.Fatalf("Compile() error = %v", err)
		}
		if len(specs) < 2 {
			t.Fatalf("expected the target list to span multiple rules, got %d", len(specs))
		}
		var covered []string
		for _, spec := range specs {
			if spec.Length > 512 {
				t.Fatalf("rule exceeds budget: %d characters", spec.Length)
			}
			if spec.Length != utf8.RuneCountInString(spec.Text) {
				t.Fatalf("spec length %d does not match text %d", spec.Length, utf8.RuneCountInString(spec.Text))
			}
			covered = append(covered, spec.Targets...)
		}
		if len(covered) != len(targets) {
			t.Fatalf("expected %d targets covered, got %d", len(targets), len(covered))
		}
		for i, target := range targets {
			if covered[i] != target {
				t.Fatalf("target order broken at %d: got %q want %q", i, covered[i], target)
			}
		}
	})
}

func TestCompileErrors(t *testing.T) {
	t.Run("oversized target", func(t *testing.T) {
		long := strings.Repeat("x", 513)
		_, err := Compile([]string{"ok", long}, KindTrack, 512)
		if !errors.Is(err, ErrOversizedTarget) {
			t.Fatalf("expected ErrOversizedTarget, got %v", err)
		}
	})

	t.Run("oversized after quoting", func(t *testing.T) {
		// 511 characters plus a space forces quotes, pushing the clause to
		// 513 characters.
		long := strings.Repeat("x", 509) + " x"
		_, err := Compile([]string{long}, KindTrack, 512)
		if !errors.Is(err, ErrOversizedTarget) {
			t.Fatalf("expected ErrOversizedTarget, got %v", err)
		}
	})

	t.Run("empty list", func(t *testing.T) {
		_, err := Compile(nil, KindTrack, 512)
		if !errors.Is(err, ErrNoTargets) {
			t.Fatalf("expected ErrNoTargets, got %v", err)
		}
	})

	t.Run("blank target", func(t *testing.T) {
		_, err := Compile([]string{"ok", "   "}, KindTrack, 512)
		if !errors.Is(err, ErrEmptyTarget) {
			t.Fatalf("expected ErrEmptyTarget, got %v", err)
		}
	})

	t.Run("non positive budget", func(t *testing.T) {
		if _, err := Compile([]string{"ok"}, KindTrack, 0); err == nil {
			t.Fatal("expected an error for a zero budget")
		}
	})
}

func TestParseKind(t *testing.T) {
	if _, err := ParseKind("track"); err != nil {
		t.Fatalf("ParseKind(track) error = %v", err)
	}
	if _, err := ParseKind("follow"); err != nil {
		t.Fatalf("ParseKind(follow) error = %v", err)
	}
	if _, err := ParseKind("scrape"); err == nil {
		t.Fatal("expected an error for an unknown kind")
	}
}
