package postgres

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pterm/pterm"
)

// Line prefix produced by log_line_prefix = '%m [%p] %u@%d '
// Format: <yyyy-mm-dd hh:mm:ss.mmm> [<tz>] [<pid>] <user>@<database> <payload>
const prefixPattern = `^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?)(?: ([A-Za-z]{1,6}|[+-]\d{2}(?::?\d{2})?))? \[(\d+)\] ([^@\s]*)@(\S*) (.*)$`

// Duration payload, with or without the statement text logged on the same line
// Format: LOG:  duration: 12.345 ms[  statement: <sql>]
const durationPattern = `^[A-Z]+:\s+duration: (\d+(?:\.\d+)?) ms(?:\s+(?:statement|execute [^:]*|parse [^:]*|bind [^:]*):\s?(.*))?$`

// Severity and message split of a statement payload
const severityPattern = `^([A-Z]+):\s+(.*)$`

// Statement text inside a message
const statementTextPattern = `^(?:statement|execute [^:]*|parse [^:]*|bind [^:]*):\s?(.*)$`

// lineClass is the result of classifying one raw line
type lineClass int

const (
	classUnparseable lineClass = iota
	classDuration
	classStatement
	classContinuation
)

type prefix struct {
	rawTimestamp string
	timestamp    time.Time
	pid          int
	user         string
	database     string
	payload      string
}

// Parser reconstructs multi-line PostgreSQL log records from raw lines.
// It holds at most one pending event and is not safe for concurrent use.
type Parser struct {
	logger        *pterm.Logger
	prefixRegex   *regexp.Regexp
	durationRegex *regexp.Regexp
	severityRegex *regexp.Regexp
	sqlRegex      *regexp.Regexp

	pending   *LogEvent
	anomalies Anomalies
}

// NewParser creates a new reconstructor
func NewParser(logger *pterm.Logger) *Parser {
	return &Parser{
		logger:        logger,
		prefixRegex:   regexp.MustCompile(prefixPattern),
		durationRegex: regexp.MustCompile(durationPattern),
		severityRegex: regexp.MustCompile(severityPattern),
		sqlRegex:      regexp.MustCompile(statementTextPattern),
	}
}

// Name returns the parser identifier
func (p *Parser) Name() string {
	return "postgres"
}

// CanParse reports whether the line starts a record in the expected prefix format
func (p *Parser) CanParse(line string) bool {
	m := p.prefixRegex.FindStringSubmatch(line)
	return m != nil && !startsWithSpace(m[6])
}

// Feed consumes one raw line. It returns the event closed by this line, if any.
// Parsing is total: no input makes Feed fail.
func (p *Parser) Feed(line RawLine) *LogEvent {
	text := strings.TrimRight(line.Text, "\r")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	class, pre, extra := p.classify(text)
	switch class {
	case classDuration:
		return p.onDuration(line, pre, extra)
	case classStatement:
		return p.onStatement(line, pre)
	case classContinuation:
		p.onContinuation(extra)
		return nil
	default:
		p.anomalies.Unparseable++
		p.logger.Trace("Discarding unparseable log line",
			p.logger.Args("file", line.File, "offset", line.Offset, "line_preview", truncate(text, 100)))
		return nil
	}
}

// Flush emits the pending event unterminated. Called on rotation and at session end.
func (p *Parser) Flush() *LogEvent {
	if p.pending == nil {
		return nil
	}
	ev := p.pending
	ev.Unterminated = true
	p.pending = nil
	p.logger.Debug("Flushed pending event",
		p.logger.Args("pid", ev.PID, "file", ev.SourceFile))
	return ev
}

// Release emits the pending event as complete. Used once the log goes quiet:
// the server writes a record together with its continuation lines.
func (p *Parser) Release() *LogEvent {
	ev := p.pending
	p.pending = nil
	return ev
}

// Pending reports whether an event is waiting for more lines
func (p *Parser) Pending() bool {
	return p.pending != nil
}

// Anomalies returns the discarded line counters
func (p *Parser) Anomalies() Anomalies {
	return p.anomalies
}

// classify applies the patterns in priority order: duration, statement, continuation.
// For duration lines extra holds "<ms>\x00<inline sql>"; for continuations it holds the payload.
func (p *Parser) classify(text string) (lineClass, *prefix, string) {
	if m := p.prefixRegex.FindStringSubmatch(text); m != nil {
		pid, err := strconv.Atoi(m[3])
		if err != nil {
			return classUnparseable, nil, ""
		}
		pre := &prefix{
			rawTimestamp: m[1],
			timestamp:    parseTimestamp(m[1], m[2]),
			pid:          pid,
			user:         m[4],
			database:     m[5],
			payload:      m[6],
		}

		if d := p.durationRegex.FindStringSubmatch(pre.payload); d != nil {
			return classDuration, pre, d[1] + "\x00" + d[2]
		}
		if !startsWithSpace(pre.payload) {
			return classStatement, pre, ""
		}
		return classContinuation, pre, strings.TrimSpace(pre.payload)
	}

	if startsWithSpace(text) {
		return classContinuation, nil, strings.TrimSpace(text)
	}
	return classUnparseable, nil, ""
}

func (p *Parser) onDuration(line RawLine, pre *prefix, extra string) *LogEvent {
	msText, inlineSQL, _ := strings.Cut(extra, "\x00")
	ms, err := strconv.ParseFloat(msText, 64)
	if err != nil {
		p.anomalies.Unparseable++
		return nil
	}

	// Duration for the statement logged just before it
	if inlineSQL == "" && p.pending != nil && p.pending.DurationMs == nil && p.pending.PID == pre.pid {
		ev := p.pending
		ev.DurationMs = &ms
		p.pending = nil
		return ev
	}

	closed := p.pending
	p.pending = &LogEvent{
		Timestamp:    pre.timestamp,
		RawTimestamp: pre.rawTimestamp,
		PID:          pre.pid,
		User:         pre.user,
		Database:     pre.database,
		Severity:     severityOf(pre.payload),
		SQL:          inlineSQL,
		DurationMs:   &ms,
		Kind:         KindDuration,
		SourceFile:   line.File,
		SourceOffset: line.Offset,
	}
	return closed
}

func (p *Parser) onStatement(line RawLine, pre *prefix) *LogEvent {
	severity, sql := pre.payload, pre.payload
	if m := p.severityRegex.FindStringSubmatch(pre.payload); m != nil {
		severity, sql = m[1], m[2]
		if s := p.sqlRegex.FindStringSubmatch(sql); s != nil {
			sql = s[1]
		}
	} else {
		severity = ""
	}

	closed := p.pending
	p.pending = &LogEvent{
		Timestamp:    pre.timestamp,
		RawTimestamp: pre.rawTimestamp,
		PID:          pre.pid,
		User:         pre.user,
		Database:     pre.database,
		Severity:     severity,
		SQL:          sql,
		Kind:         KindStatement,
		SourceFile:   line.File,
		SourceOffset: line.Offset,
	}
	return closed
}

func (p *Parser) onContinuation(payload string) {
	if p.pending == nil {
		p.anomalies.Orphaned++
		p.logger.Trace("Discarding orphaned continuation line",
			p.logger.Args("line_preview", truncate(payload, 100)))
		return
	}
	if p.pending.SQL == "" {
		p.pending.SQL = payload
	} else {
		p.pending.SQL += "\n" + payload
	}
	if p.pending.Kind == KindStatement {
		p.pending.Kind = KindContinuationMerged
	}
}

func severityOf(payload string) string {
	if i := strings.IndexByte(payload, ':'); i > 0 {
		return payload[:i]
	}
	return ""
}

// parseTimestamp parses a %m timestamp; unknown zone formats yield the zero time
func parseTimestamp(ts, zone string) time.Time {
	const base = "2006-01-02 15:04:05.999999999"
	if zone == "" {
		t, err := time.Parse(base, ts)
		if err != nil {
			return time.Time{}
		}
		return t
	}

	layouts := []string{base + " MST"}
	if zone[0] == '+' || zone[0] == '-' {
		layouts = []string{base + " -07", base + " -0700", base + " -07:00"}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, ts+" "+zone); err == nil {
			return t
		}
	}
	return time.Time{}
}

func startsWithSpace(s string) bool {
	return s != "" && (s[0] == ' ' || s[0] == '\t')
}

// truncate shortens s to at most maxLen bytes for logging without splitting a rune
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
