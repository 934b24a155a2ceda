// Package rules compiles watch targets into the boolean filter strings the
// streaming API accepts, packing as many targets per rule as the destination
// length budget allows.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind distinguishes the two campaign flavors.
type Kind string

const (
	// KindTrack filters by keyword content.
	KindTrack Kind = "track"
	// KindFollow filters by authoring account.
	KindFollow Kind = "follow"
)

// ParseKind validates a stored or user-supplied kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTrack, KindFollow:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown crawler kind %q", s)
	}
}

var (
	// ErrOversizedTarget reports a single target whose clause alone exceeds
	// the maximum rule length. The rule is never truncated to fit.
	ErrOversizedTarget = errors.New("target exceeds maximum rule length")
	// ErrNoTargets reports an empty target list.
	ErrNoTargets = errors.New("no targets supplied")
	// ErrEmptyTarget reports a blank target in the list.
	ErrEmptyTarget = errors.New("empty target")
)

const orSeparator = " OR "

// Spec is one compiled rule: the filter text plus the targets packed into it,
// in input order. Length counts characters, not bytes, matching how the
// remote API measures rules.
type Spec struct {
	Text    string
	Targets []string
	Length  int
}

// Compile packs targets into rule specs no longer than maxLen characters.
// Packing is greedy and order-preserving: each target's clause extends the
// current rule until the next clause would not fit, then a new rule starts.
// Every input target appears in exactly one output spec.
func Compile(targets []string, kind Kind, maxLen int) ([]Spec, error) {
	if maxLen <= 0 {
		return nil, fmt.Errorf("max rule length must be positive, got %d", maxLen)
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	var (
		specs      []Spec
		current    strings.Builder
		currentLen int
		packed     []string
	)
	flush := func() {
		if current.Len() == 0 {
			return
		}
		specs = append(specs, Spec{
			Text:    current.String(),
			Targets: packed,
			Length:  currentLen,
		})
		current.Reset()
		currentLen = 0
		packed = nil
	}

	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" {
			return nil, ErrEmptyTarget
		}
		c := clause(target, kind)
		clauseLen := utf8.RuneCountInString(c)
		if clauseLen > maxLen {
			return nil, fmt.Errorf("%w: %q compiles to %d characters, limit %d",
				ErrOversizedTarget, target, clauseLen, maxLen)
		}
		if current.Len() > 0 {
			if currentLen+len(orSeparator)+clauseLen > maxLen {
				flush()
			} else {
				current.WriteString(orSeparator)
				currentLen += len(orSeparator)
			}
		}
		current.WriteString(c)
		currentLen += clauseLen
		packed = append(packed, target)
	}
	flush()

	return specs, nil
}

// clause renders a single target. Keywords made entirely of letters and
// digits go in bare; anything else is quoted so operators and spaces read as
// literal text. Account targets match authored, received, and retweeted
// activity for the account.
func clause(target string, kind Kind) string {
	if kind == KindFollow {
		return fmt.Sprintf("to:%s OR from:%s OR retweets_of:%s", target, target, target)
	}
	if isAlphanumeric(target) {
		return target
	}
	return `"` + target + `"`
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
