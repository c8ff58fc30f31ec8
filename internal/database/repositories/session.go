package repositories

import (
	"time"

	"pgstream/internal/database/models"

	"gorm.io/gorm"
)

// SessionCloseInfo is what the stop path records about a finished session
type SessionCloseInfo struct {
	StoppedAt      time.Time
	Reason         string
	ResetOK        bool
	ResetError     string
	BytesRead      int64
	LinesRead      int64
	EventsAccepted int64
	EventsDropped  int64
	Rotations      int64
}

type SessionRepository interface {
	Create(session *models.MonitorSession) error
	Close(id string, info SessionCloseInfo) error
	FindByID(id string) (*models.MonitorSession, error)
	FindOpen() ([]*models.MonitorSession, error)
	MarkRecovered(id string, at time.Time) error
	FindRecent(limit int) ([]*models.MonitorSession, error)
	DeleteClosedBefore(cutoff time.Time, batchSize int) (int64, error)
}

type sessionRepo struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) Create(session *models.MonitorSession) error {
	if session.State == "" {
		session.State = models.SessionOpen
	}
	return r.db.Create(session).Error
}

// Close records the stop of a session. A session whose configuration reset
// failed stays open so that recovery retries the reset.
func (r *sessionRepo) Close(id string, info SessionCloseInfo) error {
	state := models.SessionClosed
	if !info.ResetOK {
		state = models.SessionOpen
	}
	return r.db.Model(&models.MonitorSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":           state,
			"stopped_at":      info.StoppedAt,
			"stop_reason":     info.Reason,
			"reset_ok":        info.ResetOK,
			"reset_error":     info.ResetError,
			"bytes_read":      info.BytesRead,
			"lines_read":      info.LinesRead,
			"events_accepted": info.EventsAccepted,
			"events_dropped":  info.EventsDropped,
			"rotations":       info.Rotations,
		}).Error
}

func (r *sessionRepo) FindByID(id string) (*models.MonitorSession, error) {
	var session models.MonitorSession
	err := r.db.Where("id = ?", id).First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) FindOpen() ([]*models.MonitorSession, error) {
	var sessions []*models.MonitorSession
	err := r.db.Where("state = ?", models.SessionOpen).Order("started_at ASC").Find(&sessions).Error
	return sessions, err
}

func (r *sessionRepo) MarkRecovered(id string, at time.Time) error {
	return r.db.Model(&models.MonitorSession{}).
		Where("id = ? AND state = ?", id, models.SessionOpen).
		Updates(map[string]interface{}{
			"state":       models.SessionRecovered,
			"stopped_at":  gorm.Expr("COALESCE(stopped_at, ?)", at),
			"stop_reason": gorm.Expr("COALESCE(NULLIF(stop_reason, ''), ?)", "RECOVERED"),
			"reset_ok":    true,
			"reset_error": "",
		}).Error
}

func (r *sessionRepo) FindRecent(limit int) ([]*models.MonitorSession, error) {
	if limit <= 0 {
		limit = 20
	}
	var sessions []*models.MonitorSession
	err := r.db.Order("started_at DESC").Limit(limit).Find(&sessions).Error
	return sessions, err
}

// DeleteClosedBefore removes up to batchSize finished sessions started before cutoff.
// Open sessions are never deleted: they still drive crash recovery.
func (r *sessionRepo) DeleteClosedBefore(cutoff time.Time, batchSize int) (int64, error) {
	result := r.db.Exec(`
		DELETE FROM monitor_sessions
		WHERE id IN (
			SELECT id FROM monitor_sessions
			WHERE state <> ? AND started_at < ?
			LIMIT ?
		)
	`, models.SessionOpen, cutoff, batchSize)
	return result.RowsAffected, result.Error
}
