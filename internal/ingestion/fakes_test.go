package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pgstream/internal/database/models"
	"pgstream/internal/database/repositories"

	"github.com/pterm/pterm"
)

func quietLogger() *pterm.Logger {
	return pterm.DefaultLogger.WithLevel(pterm.LogLevelDisabled)
}

var base = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

func pgLine(pid int, user, db, message string) string {
	return fmt.Sprintf("2025-01-10 12:00:00.000 UTC [%d] %s@%s LOG:  %s\n", pid, user, db, message)
}

type fakeFile struct {
	data    []byte
	modTime time.Time
}

// fakeLogDir is an in-memory log directory serving both the listing and the range reads
type fakeLogDir struct {
	mu       sync.Mutex
	files    map[string]*fakeFile
	listErr  error
	readErr  error
	listings int
	reads    int
}

func newFakeLogDir() *fakeLogDir {
	return &fakeLogDir{files: make(map[string]*fakeFile)}
}

// Create adds an empty file modified at mod
func (d *fakeLogDir) Create(name string, mod time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[name] = &fakeFile{modTime: mod}
}

func (d *fakeLogDir) Append(name, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[name]
	if !ok {
		f = &fakeFile{modTime: base}
		d.files[name] = f
	}
	f.data = append(f.data, text...)
}

// Truncate replaces the file content without changing its name
func (d *fakeLogDir) Truncate(name, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[name].data = []byte(text)
}

func (d *fakeLogDir) sizeOf(name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.files[name].data))
}

func (d *fakeLogDir) SetErrors(listErr, readErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listErr = listErr
	d.readErr = readErr
}

func (d *fakeLogDir) Listings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listings
}

func (d *fakeLogDir) ListLogFiles(ctx context.Context) ([]LogFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listings++
	if d.listErr != nil {
		return nil, d.listErr
	}
	out := make([]LogFile, 0, len(d.files))
	for name, f := range d.files {
		out = append(out, LogFile{Name: name, LastModified: f.modTime, Size: int64(len(f.data))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *fakeLogDir) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.readErr != nil {
		return nil, d.readErr
	}
	f, ok := d.files[name]
	if !ok {
		return nil, errors.New("no such file")
	}
	if offset >= int64(len(f.data)) {
		return nil, nil
	}
	end := min(offset+length, int64(len(f.data)))
	return append([]byte(nil), f.data[offset:end]...), nil
}

// fakeConfigurator records the calls the coordinator makes against the server
type fakeConfigurator struct {
	mu          sync.Mutex
	calls       []string
	collectorOn bool
	pid         int
	enableErr   error
	resetErr    error
	resetCalls  int
	onReset     func()
}

func newFakeConfigurator(pid int) *fakeConfigurator {
	return &fakeConfigurator{collectorOn: true, pid: pid}
}

func (f *fakeConfigurator) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeConfigurator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeConfigurator) ResetCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetCalls
}

func (f *fakeConfigurator) EnableVerboseLogging(ctx context.Context) error {
	f.record("enable")
	return f.enableErr
}

func (f *fakeConfigurator) ResetVerboseLogging(ctx context.Context) error {
	f.record("reset")
	f.mu.Lock()
	f.resetCalls++
	hook, err := f.onReset, f.resetErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeConfigurator) IsLoggingCollectorOn(ctx context.Context) (bool, error) {
	f.record("collector")
	return f.collectorOn, nil
}

func (f *fakeConfigurator) BackendPID(ctx context.Context) (int, error) {
	f.record("pid")
	return f.pid, nil
}

// fakeJournal keeps journal rows in memory
type fakeJournal struct {
	mu   sync.Mutex
	rows map[string]*models.MonitorSession
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{rows: make(map[string]*models.MonitorSession)}
}

func (j *fakeJournal) Create(s *models.MonitorSession) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if s.State == "" {
		s.State = models.SessionOpen
	}
	row := *s
	j.rows[s.ID] = &row
	return nil
}

func (j *fakeJournal) Close(id string, info repositories.SessionCloseInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	row, ok := j.rows[id]
	if !ok {
		return errors.New("not found")
	}
	row.State = models.SessionClosed
	if !info.ResetOK {
		row.State = models.SessionOpen
	}
	stopped := info.StoppedAt
	row.StoppedAt = &stopped
	row.StopReason = info.Reason
	row.ResetOK = info.ResetOK
	row.ResetError = info.ResetError
	row.EventsAccepted = info.EventsAccepted
	return nil
}

func (j *fakeJournal) FindByID(id string) (*models.MonitorSession, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	row, ok := j.rows[id]
	if !ok {
		return nil, errors.New("not found")
	}
	out := *row
	return &out, nil
}

func (j *fakeJournal) FindOpen() ([]*models.MonitorSession, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*models.MonitorSession
	for _, row := range j.rows {
		if row.State == models.SessionOpen {
			r := *row
			out = append(out, &r)
		}
	}
	return out, nil
}

func (j *fakeJournal) MarkRecovered(id string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if row, ok := j.rows[id]; ok && row.State == models.SessionOpen {
		row.State = models.SessionRecovered
	}
	return nil
}

func (j *fakeJournal) FindRecent(limit int) ([]*models.MonitorSession, error) {
	return nil, nil
}

func (j *fakeJournal) DeleteClosedBefore(cutoff time.Time, batchSize int) (int64, error) {
	return 0, nil
}
