// Package pinglog reads and writes TagTime log files.
//
// A log holds one ping per line:
//
//	1184097393 work :meeting (standup) [2007.07.10 16:56:33 Tue]
//
// The first field is the unix time of the ping. Everything after the first
// run of blanks is the ping text. Tags are the words of the text once
// parenthesised comments and bracketed annotations are removed.
package pinglog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Autotags are inserted by software rather than typed by the user.
const (
	TagAFK     = "afk"
	TagOff     = "off"
	TagErr     = "err"
	TagMIA     = "MIA"
	TagUnsched = "UNSCHED"
)

var autotags = map[string]bool{
	TagAFK:     true,
	TagOff:     true,
	"OFF":      true, // written by the Android client
	TagErr:     true,
	TagMIA:     true,
	TagUnsched: true,
}

// AnnotationLayout formats the human-readable time written after new pings.
const AnnotationLayout = "2006.01.02 15:04:05 Mon"

// Errors
var (
	ErrEmptyLog     = errors.New("pinglog: log has no pings")
	ErrBadTimestamp = errors.New("pinglog: unparsable timestamp")
	ErrDuplicate    = errors.New("pinglog: duplicate timestamp")
)

// InputError reports a log that cannot be used as merge input.
type InputError struct {
	Path string
	Err  error
}

func (e *InputError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("pinglog: input: %v", e.Err)
	}
	return fmt.Sprintf("pinglog: input %s: %v", e.Path, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// ParseWarning describes a line that was skipped while parsing.
type ParseWarning struct {
	Path string
	Line int
	Text string
	Err  error
}

func (w ParseWarning) Error() string {
	if w.Path == "" {
		return fmt.Sprintf("line %d: %v", w.Line, w.Err)
	}
	return fmt.Sprintf("%s:%d: %v", w.Path, w.Line, w.Err)
}

func (w ParseWarning) Unwrap() error {
	return w.Err
}

// Event is a single ping.
type Event struct {
	Time int64
	Tags []string

	// Text is the line content after the delimiter, kept verbatim so that
	// untouched pings are written back byte for byte.
	Text  string
	Delim string
}

// Log is a sequence of events ordered by time.
type Log []Event

// NewEvent builds an event for a ping that was not read from a file.
func NewEvent(t int64, tags ...string) Event {
	text := strings.Join(tags, " ")
	ann := "[" + time.Unix(t, 0).Format(AnnotationLayout) + "]"
	if text == "" {
		text = ann
	} else {
		text += " " + ann
	}
	return Event{
		Time:  t,
		Tags:  append([]string(nil), tags...),
		Text:  text,
		Delim: " ",
	}
}

// HasTag reports whether the event carries tag.
func (e Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// WithTag returns a copy of e with tag added. The tag is placed before a
// trailing bracketed annotation if there is one.
func (e Event) WithTag(tag string) Event {
	if e.HasTag(tag) {
		return e
	}

	out := e
	out.Tags = append(append([]string(nil), e.Tags...), tag)
	if out.Delim == "" {
		out.Delim = " "
	}

	trimmed := strings.TrimRight(e.Text, " \t")
	idx := -1
	if strings.HasSuffix(trimmed, "]") {
		idx = strings.LastIndex(trimmed, "[")
	}

	switch {
	case trimmed == "":
		out.Text = tag
	case idx < 0:
		out.Text = trimmed + " " + tag
	case idx == 0:
		out.Text = tag + " " + trimmed
	default:
		head := strings.TrimRight(trimmed[:idx], " \t")
		out.Text = head + " " + tag + " " + trimmed[idx:]
	}
	return out
}

// IsAutotag reports whether tag is one of the automatically inserted tags.
func IsAutotag(tag string) bool {
	return autotags[tag]
}

// AllAutotags reports whether every tag is an autotag. An untagged ping
// carries no user information and counts as all autotags.
func AllAutotags(tags []string) bool {
	for _, t := range tags {
		if !IsAutotag(t) {
			return false
		}
	}
	return true
}

// HasRealTags reports whether at least one tag was entered by the user.
func HasRealTags(tags []string) bool {
	return !AllAutotags(tags)
}

var (
	parenGroup   = regexp.MustCompile(`\([^()]*\)`)
	bracketGroup = regexp.MustCompile(`\[[^\[\]]*\]`)
)

// strip removes parenthesised and bracketed groups, innermost first.
func strip(s string) string {
	for parenGroup.MatchString(s) {
		s = parenGroup.ReplaceAllString(s, " ")
	}
	for bracketGroup.MatchString(s) {
		s = bracketGroup.ReplaceAllString(s, " ")
	}
	return s
}

// ParseTags extracts the tags from ping text. Tags are separated by blanks
// or commas; a leading ':' marker is removed.
func ParseTags(text string) []string {
	fields := strings.FieldsFunc(strip(text), func(r rune) bool {
		switch r {
		case ' ', '\t', ',', '(', ')', '[', ']':
			return true
		}
		return false
	})

	var tags []string
	for _, f := range fields {
		f = strings.TrimLeft(f, ":")
		if f != "" {
			tags = append(tags, f)
		}
	}
	return tags
}

// ParseLine parses a single log line.
func ParseLine(line string) (Event, error) {
	line = strings.TrimRight(line, "\r\n")

	end := strings.IndexAny(line, " \t")
	tsField := line
	rest := ""
	if end >= 0 {
		tsField = line[:end]
		rest = line[end:]
	}

	ts, err := strconv.ParseInt(tsField, 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w %q", ErrBadTimestamp, tsField)
	}

	text := strings.TrimLeft(rest, " \t")
	return Event{
		Time:  ts,
		Tags:  ParseTags(text),
		Text:  text,
		Delim: rest[:len(rest)-len(text)],
	}, nil
}

// Parse reads a log. Malformed lines are skipped and reported as warnings;
// only read errors are fatal.
func Parse(r io.Reader) (Log, []ParseWarning, error) {
	var (
		log      Log
		warnings []ParseWarning
		seen     = make(map[int64]bool)
		lineNo   int
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		e, err := ParseLine(line)
		if err != nil {
			warnings = append(warnings, ParseWarning{Line: lineNo, Text: line, Err: err})
			continue
		}
		if seen[e.Time] {
			warnings = append(warnings, ParseWarning{
				Line: lineNo,
				Text: line,
				Err:  fmt.Errorf("%w %d", ErrDuplicate, e.Time),
			})
			continue
		}
		seen[e.Time] = true
		log = append(log, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, fmt.Errorf("pinglog: read: %w", err)
	}

	sort.SliceStable(log, func(i, j int) bool { return log[i].Time < log[j].Time })
	return log, warnings, nil
}

// Format renders an event as a log line without the trailing newline.
func Format(e Event) string {
	ts := strconv.FormatInt(e.Time, 10)
	if e.Text == "" {
		return ts + e.Delim
	}
	delim := e.Delim
	if delim == "" {
		delim = " "
	}
	return ts + delim + e.Text
}

// Write writes the log, one event per line.
func Write(w io.Writer, log Log) error {
	bw := bufio.NewWriter(w)
	for _, e := range log {
		if _, err := bw.WriteString(Format(e)); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Index maps timestamps to events. The first event wins for a repeated
// timestamp.
func (l Log) Index() map[int64]Event {
	idx := make(map[int64]Event, len(l))
	for _, e := range l {
		if _, ok := idx[e.Time]; !ok {
			idx[e.Time] = e
		}
	}
	return idx
}

// Span returns the earliest and latest timestamps of a non-empty log,
// whatever its order.
func (l Log) Span() (first, last int64, ok bool) {
	if len(l) == 0 {
		return 0, 0, false
	}
	first, last = l[0].Time, l[0].Time
	for _, e := range l[1:] {
		first = min(first, e.Time)
		last = max(last, e.Time)
	}
	return first, last, true
}

// Normalize returns a time-ordered copy of l holding the first event of
// each timestamp, and how many repeated events were dropped. l is not
// modified.
func (l Log) Normalize() (Log, int) {
	out := make(Log, 0, len(l))
	seen := make(map[int64]bool, len(l))
	for _, e := range l {
		if seen[e.Time] {
			continue
		}
		seen[e.Time] = true
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, len(l) - len(out)
}
