// Package pathpolicy validates and sanitises untrusted archive-path
// segments and confines the resolved write target under a configured
// storage root. It assembles the path; it never writes anything.
package pathpolicy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ticketarc/ticketarc/internal/classify"
)

const (
	maxSegmentBytes = 64
	maxDepth        = 10
	maxFilenameBytes = 255
)

// UserMode selects how the user segment of the path is derived.
type UserMode string

const (
	UserModeOwner        UserMode = "owner"
	UserModeCurrentAgent UserMode = "current_agent"
	UserModeFixed        UserMode = "fixed"
)

// Policy holds the configuration a Resolve call needs: the storage root,
// an optional prefix allow-list, and the filename pattern.
type Policy struct {
	Root            string
	AllowedPrefixes []string // nil = unrestricted; empty non-nil slice = nothing allowed
	FilenamePattern string   // e.g. "Ticket-{ticket_number}_{timestamp_utc}.pdf"
}

// Resolved is the outcome of a successful Resolve call.
type Resolved struct {
	// AbsPath is the full filesystem path, still unwritten.
	AbsPath string
	// RelPath is AbsPath relative to Root, using the OS separator.
	RelPath string
}

// ParseSegments splits a raw archive_path string on ">" into trimmed
// segments, mirroring the alternate "ordered sequence of strings" input
// shape from the caller's perspective (callers passing a slice should skip
// this and call Resolve directly with that slice).
func ParseSegments(raw string) []string {
	parts := strings.Split(raw, ">")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// Validate checks raw segments against the structural rules. It must run
// BEFORE sanitisation so that traversal attempts which normalise away
// cannot be laundered past validation.
func Validate(segments []string) error {
	if len(segments) == 0 {
		return classify.NewPermanent(classify.CodePathPolicy, "archive path has no segments")
	}
	if len(segments) > maxDepth {
		return classify.NewPermanent(classify.CodePathPolicy, fmt.Sprintf("archive path depth %d exceeds maximum %d", len(segments), maxDepth))
	}
	for _, s := range segments {
		if err := validateSegment(s); err != nil {
			return err
		}
	}
	return nil
}

func validateSegment(s string) error {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return classify.NewPermanent(classify.CodePathPolicy, "archive path segment is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return classify.NewPermanent(classify.CodePathPolicy, fmt.Sprintf("archive path segment %q is a relative reference", trimmed))
	}
	if strings.ContainsAny(s, "/\\") {
		return classify.NewPermanent(classify.CodePathPolicy, fmt.Sprintf("archive path segment %q contains a separator", s))
	}
	if strings.ContainsRune(s, 0) {
		return classify.NewPermanent(classify.CodePathPolicy, "archive path segment contains a NUL byte")
	}
	if len(s) > maxSegmentBytes {
		return classify.NewPermanent(classify.CodePathPolicy, fmt.Sprintf("archive path segment exceeds %d bytes", maxSegmentBytes))
	}
	return nil
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	disallowedRun = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	underscoreRun = regexp.MustCompile(`_+`)
)

// Sanitise deterministically and idempotently rewrites a single segment:
// Unicode NFKD normalise, strip combining marks, collapse whitespace to
// "_", replace any remaining disallowed character with "_", collapse
// runs of "_".
var stripMarks = runes.Remove(runes.In(unicode.Mn))

func Sanitise(s string) string {
	normalised, _, _ := transform.String(transform.Chain(norm.NFKD, stripMarks), s)
	collapsedWS := whitespaceRun.ReplaceAllString(normalised, "_")
	replaced := disallowedRun.ReplaceAllString(collapsedWS, "_")
	return underscoreRun.ReplaceAllString(replaced, "_")
}

// Resolve validates, sanitises, checks the prefix allow-list, and assembles
// the final absolute path for a set of path segments plus a filename. A
// segment that only becomes "." or ".." through sanitisation (e.g.
// fullwidth dots under NFKD) is rejected. It never touches the
// filesystem: the root is made absolute, but symlinks in it are not
// resolved.
func Resolve(policy Policy, rawSegments []string, ticketNumber string, now time.Time) (Resolved, error) {
	if err := Validate(rawSegments); err != nil {
		return Resolved{}, err
	}

	sanitised := make([]string, len(rawSegments))
	for i, s := range rawSegments {
		sanitised[i] = Sanitise(s)
		if sanitised[i] == "." || sanitised[i] == ".." {
			return Resolved{}, classify.NewPermanent(classify.CodePathPolicy, fmt.Sprintf("archive path segment %q normalises to a relative reference", s))
		}
	}

	if err := checkAllowedPrefix(policy.AllowedPrefixes, sanitised); err != nil {
		return Resolved{}, err
	}

	filename, err := resolveFilename(policy.FilenamePattern, ticketNumber, now)
	if err != nil {
		return Resolved{}, err
	}

	relParts := append(append([]string{}, sanitised...), filename)
	rel := filepath.Join(relParts...)

	root, err := filepath.Abs(policy.Root)
	if err != nil {
		return Resolved{}, classify.WrapPermanent(classify.CodePathPolicy, "could not resolve storage root", err)
	}
	abs := filepath.Join(root, rel)

	if err := containedUnder(root, abs); err != nil {
		return Resolved{}, err
	}

	return Resolved{AbsPath: abs, RelPath: rel}, nil
}

func checkAllowedPrefix(allowed []string, sanitisedSegments []string) error {
	if allowed == nil {
		return nil
	}
	if len(allowed) == 0 {
		return classify.NewPermanent(classify.CodePathPolicy, "prefix allow-list is explicitly empty; no path is permitted")
	}
	got := strings.Join(sanitisedSegments, "/")
	for _, prefix := range allowed {
		normalizedPrefix := strings.ReplaceAll(strings.TrimSpace(prefix), string(filepath.Separator), "/")
		if strings.HasPrefix(got, normalizedPrefix) {
			return nil
		}
	}
	return classify.NewPermanent(classify.CodePathPolicy, fmt.Sprintf("archive path %q does not match any allowed prefix", got))
}

var filenameToken = regexp.MustCompile(`\{(ticket_number|timestamp_utc)\}`)

func resolveFilename(pattern string, ticketNumber string, now time.Time) (string, error) {
	if pattern == "" {
		pattern = "Ticket-{ticket_number}_{timestamp_utc}.pdf"
	}

	resolved := filenameToken.ReplaceAllStringFunc(pattern, func(tok string) string {
		switch tok {
		case "{ticket_number}":
			return Sanitise(ticketNumber)
		case "{timestamp_utc}":
			return now.UTC().Format("2006-01-02")
		default:
			return tok
		}
	})

	if strings.ContainsAny(resolved, "/\\") {
		return "", classify.NewPermanent(classify.CodePathPolicy, "resolved filename must be a single path segment")
	}
	if strings.ContainsRune(resolved, 0) {
		return "", classify.NewPermanent(classify.CodePathPolicy, "resolved filename contains a NUL byte")
	}
	if len(resolved) > maxFilenameBytes {
		return "", classify.NewPermanent(classify.CodePathPolicy, fmt.Sprintf("resolved filename exceeds %d bytes", maxFilenameBytes))
	}
	if resolved == "" {
		return "", classify.NewPermanent(classify.CodePathPolicy, "resolved filename is empty")
	}
	return resolved, nil
}

func containedUnder(root, target string) error {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return classify.WrapPermanent(classify.CodePathPolicy, "could not compute path relative to root", err)
	}
	if rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return classify.NewPermanent(classify.CodePathPolicy, "resolved path escapes the storage root")
	}
	return nil
}
