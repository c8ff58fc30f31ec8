package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	parsers "pgstream/internal/parser/postgres"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTailer(dir *fakeLogDir, maxRead int64) *Tailer {
	logger := quietLogger()
	return NewTailer(NewLocator(dir, 3, time.Millisecond, logger), dir, maxRead, logger)
}

func texts(lines []parsers.RawLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func TestTailer_AttachesAtEndOfFile(t *testing.T) {
	dir := newFakeLogDir()
	dir.Create("postgresql-2025-01-10.log", base)
	dir.Append("postgresql-2025-01-10.log", "old history\nmore history\n")

	tailer := newTestTailer(dir, 0)
	res, err := tailer.Poll(context.Background(), LogCursor{})
	require.NoError(t, err)

	assert.True(t, res.Attached)
	assert.Empty(t, res.Lines)
	assert.Equal(t, "postgresql-2025-01-10.log", res.Cursor.File.Name)
	assert.Equal(t, int64(len("old history\nmore history\n")), res.Cursor.Offset)
}

func TestTailer_PartialLineIsRetried(t *testing.T) {
	dir := newFakeLogDir()
	dir.Create("a.log", base)
	tailer := newTestTailer(dir, 0)
	ctx := context.Background()

	res, err := tailer.Poll(ctx, LogCursor{})
	require.NoError(t, err)
	cursor := res.Cursor

	dir.Append("a.log", "line one\nline two (par")
	res, err = tailer.Poll(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"line one"}, texts(res.Lines))
	assert.Equal(t, int64(9), res.Cursor.Offset, "cursor must stop at the last newline")
	assert.Equal(t, int64(9), res.BytesRead)
	cursor = res.Cursor

	t.Run("idempotent without new data", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			again, err := tailer.Poll(ctx, cursor)
			require.NoError(t, err)
			assert.Empty(t, again.Lines)
			assert.Equal(t, cursor, again.Cursor)
			assert.False(t, again.Rotated)
		}
	})

	dir.Append("a.log", "tial)\r\n")
	res, err = tailer.Poll(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, "line two (partial)", res.Lines[0].Text)
	assert.Equal(t, int64(9), res.Lines[0].Offset)
	assert.Equal(t, "a.log", res.Lines[0].File)
}

func TestTailer_NeverReEmitsConsumedBytes(t *testing.T) {
	dir := newFakeLogDir()
	dir.Create("a.log", base)
	tailer := newTestTailer(dir, 7)
	ctx := context.Background()

	res, err := tailer.Poll(ctx, LogCursor{})
	require.NoError(t, err)
	cursor := res.Cursor

	content := "alpha\nbeta\ngamma delta epsilon\nzeta\n\neta\ntheta\n"
	var got []string
	// Feed the content in uneven chunks and poll between every chunk
	for i := 0; i < len(content); i += 5 {
		dir.Append("a.log", content[i:min(i+5, len(content))])
		res, err := tailer.Poll(ctx, cursor)
		require.NoError(t, err)
		require.GreaterOrEqual(t, res.Cursor.Offset, cursor.Offset)
		got = append(got, texts(res.Lines)...)
		cursor = res.Cursor
	}
	for i := 0; i < 20; i++ {
		res, err := tailer.Poll(ctx, cursor)
		require.NoError(t, err)
		got = append(got, texts(res.Lines)...)
		cursor = res.Cursor
	}

	// "gamma delta epsilon" exceeds the read cap and is consumed in capped pieces
	assert.Equal(t, strings.ReplaceAll(content, "\n", ""), strings.Join(got, ""))
	assert.Equal(t, int64(len(content)), cursor.Offset)
}

func TestTailer_RotationResetsCursor(t *testing.T) {
	dir := newFakeLogDir()
	dir.Create("a.log", base)
	dir.Append("a.log", strings.Repeat("x", 499)+"\n")
	tailer := newTestTailer(dir, 0)
	ctx := context.Background()

	res, err := tailer.Poll(ctx, LogCursor{})
	require.NoError(t, err)
	require.Equal(t, LogCursor{File: FileID{Name: "a.log"}, Offset: 500}, res.Cursor)

	dir.Create("b.log", base.Add(time.Minute))
	dir.Append("b.log", "first of b\n")

	res, err = tailer.Poll(ctx, res.Cursor)
	require.NoError(t, err)
	assert.True(t, res.Rotated)
	assert.Equal(t, "b.log", res.Cursor.File.Name)
	assert.Equal(t, int64(len("first of b\n")), res.Cursor.Offset)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, "first of b", res.Lines[0].Text)
	assert.Equal(t, int64(0), res.Lines[0].Offset)
}

func TestTailer_TruncatedFileIsNewGeneration(t *testing.T) {
	dir := newFakeLogDir()
	dir.Create("a.log", base)
	dir.Append("a.log", "one\ntwo\nthree\n")
	tailer := newTestTailer(dir, 0)
	ctx := context.Background()

	res, err := tailer.Poll(ctx, LogCursor{})
	require.NoError(t, err)

	dir.Truncate("a.log", "new\n")
	res, err = tailer.Poll(ctx, res.Cursor)
	require.NoError(t, err)
	assert.True(t, res.Rotated)
	assert.Equal(t, FileID{Name: "a.log", Generation: 1}, res.Cursor.File)
	assert.Equal(t, []string{"new"}, texts(res.Lines))
}

func TestTailer_Errors(t *testing.T) {
	dir := newFakeLogDir()
	dir.Create("a.log", base)
	tailer := newTestTailer(dir, 0)
	ctx := context.Background()

	res, err := tailer.Poll(ctx, LogCursor{})
	require.NoError(t, err)
	cursor := res.Cursor
	dir.Append("a.log", "pending line\n")

	t.Run("read failure leaves cursor unchanged", func(t *testing.T) {
		dir.SetErrors(nil, errors.New("permission denied"))
		defer dir.SetErrors(nil, nil)

		res, err := tailer.Poll(ctx, cursor)
		var readErr *TailReadError
		require.ErrorAs(t, err, &readErr)
		assert.Equal(t, "a.log", readErr.File)
		assert.Equal(t, cursor, res.Cursor)
		assert.Empty(t, res.Lines)
	})

	t.Run("listing failure is retried then surfaced", func(t *testing.T) {
		dir.SetErrors(errors.New("server down"), nil)
		defer dir.SetErrors(nil, nil)

		before := dir.Listings()
		res, err := tailer.Poll(ctx, cursor)
		var locErr *LocatorError
		require.ErrorAs(t, err, &locErr)
		assert.Equal(t, 3, locErr.Attempts)
		assert.Equal(t, 3, dir.Listings()-before)
		assert.Equal(t, cursor, res.Cursor)
	})

	res, err = tailer.Poll(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"pending line"}, texts(res.Lines))
}

func TestLocator_PicksNewestFile(t *testing.T) {
	dir := newFakeLogDir()
	dir.Create("postgresql-2025-01-09.log", base.Add(-time.Hour))
	dir.Create("postgresql-2025-01-10.log", base)
	dir.Create("postgresql-2025-01-08.log", base.Add(-2*time.Hour))

	locator := NewLocator(dir, 1, 0, quietLogger())
	id, file, err := locator.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "postgresql-2025-01-10.log", id.Name)
	assert.Equal(t, base, file.LastModified)

	t.Run("ties go to the greater name", func(t *testing.T) {
		dir.Create("postgresql-2025-01-11.log", base)
		id, _, err := locator.Locate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "postgresql-2025-01-11.log", id.Name)
	})
}

func TestLocator_EmptyDirectory(t *testing.T) {
	locator := NewLocator(newFakeLogDir(), 2, 0, quietLogger())
	_, _, err := locator.Locate(context.Background())
	var locErr *LocatorError
	require.ErrorAs(t, err, &locErr)
	assert.ErrorIs(t, err, ErrNoLogFiles)
	assert.Equal(t, 2, locErr.Attempts)
}

func TestSplitLines(t *testing.T) {
	lines, consumed := splitLines([]byte("a\nb\r\nc"), "f", 10, false)
	assert.Equal(t, []string{"a", "b"}, texts(lines))
	assert.Equal(t, int64(5), consumed)
	assert.Equal(t, int64(12), lines[1].Offset)

	lines, consumed = splitLines([]byte("no newline"), "f", 0, false)
	assert.Empty(t, lines)
	assert.Zero(t, consumed)

	lines, consumed = splitLines([]byte("full chunk"), "f", 0, true)
	assert.Equal(t, []string{"full chunk"}, texts(lines))
	assert.Equal(t, int64(10), consumed)

	lines, _ = splitLines([]byte("bad \xff byte\n"), "f", 0, false)
	assert.Equal(t, "bad � byte", lines[0].Text)
}
