package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	parsers "pgstream/internal/parser/postgres"

	"github.com/pterm/pterm"
)

// DefaultMaxReadBytes caps a single range read
const DefaultMaxReadBytes = 1024 * 1024

// FileReader reads a byte range of a log file. It may return fewer bytes than
// requested when the file is shorter.
type FileReader interface {
	ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error)
}

// LogCursor is the tailer position: a file and the offset of the first unconsumed byte
type LogCursor struct {
	File   FileID `json:"file"`
	Offset int64  `json:"offset"`
}

// Known reports whether the cursor points at a located file
func (c LogCursor) Known() bool {
	return !c.File.IsZero()
}

// PollResult is the outcome of one tailer poll
type PollResult struct {
	Lines     []parsers.RawLine
	Cursor    LogCursor
	Rotated   bool  // the active file changed; pending multi-line state must be flushed
	Attached  bool  // first poll of the session, cursor placed at end of file
	BytesRead int64 // bytes consumed, complete lines only
}

// TailReadError reports a failed range read; the cursor is left unchanged
type TailReadError struct {
	File   string
	Offset int64
	Err    error
}

func (e *TailReadError) Error() string {
	return fmt.Sprintf("read %s at offset %d: %v", e.File, e.Offset, e.Err)
}

func (e *TailReadError) Unwrap() error {
	return e.Err
}

// Tailer reads newly appended complete lines of the active log file.
// It keeps no file handle between polls.
type Tailer struct {
	locator *Locator
	reader  FileReader
	maxRead int64
	logger  *pterm.Logger
}

// NewTailer creates a new tailer
func NewTailer(locator *Locator, reader FileReader, maxReadBytes int64, logger *pterm.Logger) *Tailer {
	if maxReadBytes <= 0 {
		maxReadBytes = DefaultMaxReadBytes
	}
	return &Tailer{
		locator: locator,
		reader:  reader,
		maxRead: maxReadBytes,
		logger:  logger,
	}
}

// Poll reads the complete lines appended since cursor. An unknown cursor is
// attached to the current end of the active file without emitting anything.
func (t *Tailer) Poll(ctx context.Context, cursor LogCursor) (PollResult, error) {
	id, file, err := t.locator.Locate(ctx)
	if err != nil {
		return PollResult{Cursor: cursor}, err
	}

	if !cursor.Known() {
		t.logger.Info("Attached to active log file",
			t.logger.Args("file", id.String(), "offset", file.Size))
		return PollResult{Cursor: LogCursor{File: id, Offset: file.Size}, Attached: true}, nil
	}

	result := PollResult{Cursor: cursor}
	next := cursor
	if id != cursor.File {
		next = LogCursor{File: id}
		result.Rotated = true
	} else if file.Size < cursor.Offset {
		// Same identity but shorter than our position: the file was replaced between listings
		t.logger.Warn("Log file shorter than cursor, restarting from the beginning",
			t.logger.Args("file", id.String(), "offset", cursor.Offset, "size", file.Size))
		next = LogCursor{File: id}
		result.Rotated = true
	}

	remaining := file.Size - next.Offset
	if remaining <= 0 {
		result.Cursor = next
		return result, nil
	}

	length := min(remaining, t.maxRead)
	data, err := t.reader.ReadRange(ctx, id.Name, next.Offset, length)
	if err != nil {
		return PollResult{Cursor: cursor}, &TailReadError{File: id.Name, Offset: next.Offset, Err: err}
	}

	lines, consumed := splitLines(data, id.Name, next.Offset, int64(len(data)) == t.maxRead)
	next.Offset += consumed

	result.Lines = lines
	result.Cursor = next
	result.BytesRead = consumed

	t.logger.Trace("Read log range",
		t.logger.Args(
			"file", id.String(),
			"offset", next.Offset-consumed,
			"requested", length,
			"received", len(data),
			"lines", len(lines),
		))
	return result, nil
}

// splitLines cuts data into complete lines. A trailing fragment without a
// newline is left for the next poll unless the chunk hit the read cap, in
// which case it is consumed as one line so an overlong line cannot stall the tail.
func splitLines(data []byte, file string, base int64, full bool) ([]parsers.RawLine, int64) {
	end := bytes.LastIndexByte(data, '\n') + 1
	if end == 0 {
		if !full || len(data) == 0 {
			return nil, 0
		}
		end = len(data)
	}

	var lines []parsers.RawLine
	start := 0
	for start < end {
		stop := bytes.IndexByte(data[start:end], '\n')
		next := end
		text := data[start:end]
		if stop >= 0 {
			text = data[start : start+stop]
			next = start + stop + 1
		}
		lines = append(lines, parsers.RawLine{
			File:   file,
			Offset: base + int64(start),
			Text:   strings.ToValidUTF8(strings.TrimSuffix(string(text), "\r"), "�"),
		})
		start = next
	}
	return lines, int64(end)
}
