package twitchirc

import (
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	skipSummaryEvery = 30 * time.Second
	skipExampleLen   = 80
)

var (
	secretOAuthRe = regexp.MustCompile(`(?i)oauth:\S+`)
	secretBlobRe  = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
)

// skipLog counts IRC lines the decoder ignores (JOIN, ROOMSTATE, numerics...)
// and writes one summary per interval instead of one line per skip. Only the
// decode loop calls skip; Skipped may be read from anywhere.
type skipLog struct {
	channel string
	verbose bool
	every   time.Duration

	due      time.Time
	counts   map[string]int
	examples map[string]string

	total atomic.Int64
}

func newSkipLog(now time.Time, channel string, verbose bool, every time.Duration) *skipLog {
	if every <= 0 {
		every = skipSummaryEvery
	}
	return &skipLog{
		channel:  channel,
		verbose:  verbose,
		every:    every,
		due:      now.Add(every),
		counts:   make(map[string]int),
		examples: make(map[string]string),
	}
}

func (l *skipLog) skip(now time.Time, line string) {
	if l == nil {
		return
	}
	l.total.Add(1)
	cmd, example := describeLine(line)
	if l.verbose {
		slog.Debug("twitchirc: skipped line", "channel", l.channel, "command", cmd, "example", example)
	}
	l.counts[cmd]++
	if _, ok := l.examples[cmd]; !ok {
		l.examples[cmd] = example
	}
	if !now.Before(l.due) {
		l.emit(now)
	}
}

// emit logs and resets the pending counts.
func (l *skipLog) emit(now time.Time) {
	l.due = now.Add(l.every)
	if len(l.counts) == 0 {
		return
	}
	cmds := make([]string, 0, len(l.counts))
	n := 0
	for cmd, c := range l.counts {
		cmds = append(cmds, cmd)
		n += c
	}
	sort.Strings(cmds)
	parts := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		parts = append(parts, cmd+"="+strconv.Itoa(l.counts[cmd]))
	}
	slog.Info("twitchirc: skipped lines",
		"channel", l.channel,
		"count", n,
		"by_command", strings.Join(parts, " "),
		"example", l.examples[cmds[0]])
	clear(l.counts)
	clear(l.examples)
}

// Skipped is the number of lines ignored since the log was created.
func (l *skipLog) Skipped() int64 {
	if l == nil {
		return 0
	}
	return l.total.Load()
}

// describeLine returns the IRC command of line and a short redacted example
// of its payload.
func describeLine(line string) (string, string) {
	rest := strings.TrimSpace(line)
	if strings.HasPrefix(rest, "@") {
		_, after, ok := strings.Cut(rest, " ")
		if !ok {
			return "UNKNOWN", redact(rest, skipExampleLen)
		}
		rest = strings.TrimSpace(after)
	}
	if strings.HasPrefix(rest, ":") {
		_, after, _ := strings.Cut(rest, " ")
		rest = strings.TrimSpace(after)
	}
	cmd, params, _ := strings.Cut(rest, " ")
	cmd = strings.ToUpper(cmd)
	if cmd == "" {
		return "UNKNOWN", ""
	}
	example := params
	if _, trailing, ok := strings.Cut(params, " :"); ok {
		example = trailing
	}
	return cmd, redact(strings.TrimPrefix(example, ":"), skipExampleLen)
}

// redact strips credentials from s, collapses whitespace and truncates it to
// max bytes.
func redact(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if strings.HasPrefix(strings.ToUpper(s), "PASS") {
		return "PASS ***"
	}
	s = secretOAuthRe.ReplaceAllString(s, "oauth:***")
	s = secretBlobRe.ReplaceAllString(s, "***")
	if max > 3 && len(s) > max {
		s = s[:max-3] + "..."
	}
	return s
}
