package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/clipforge/clipforge/internal/store"
	"github.com/google/uuid"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type jobRow struct {
	TaskID          uuid.UUID `db:"task_id"`
	UserID          int64     `db:"user_id"`
	Filename        string    `db:"filename"`
	Status          string    `db:"status"`
	StatusChatID    int64     `db:"status_chat_id"`
	StatusMessageID int64     `db:"status_message_id"`
	JobData         []byte    `db:"job_data"`
	Analysis        []byte    `db:"analysis"`
	FailureReason   string    `db:"failure_reason"`
}

func (r *jobRow) toModel() (*jobmodel.Job, error) {
	var data jobmodel.JobData
	if err := json.Unmarshal(r.JobData, &data); err != nil {
		return nil, fmt.Errorf("failed to decode job_data: %w", err)
	}

	job := &jobmodel.Job{
		TaskID:   r.TaskID,
		UserID:   r.UserID,
		Filename: r.Filename,
		Status:   jobmodel.Status(r.Status),
		StatusMessageRef: jobmodel.MessageRef{
			ChatID:    r.StatusChatID,
			MessageID: r.StatusMessageID,
		},
		JobData:       data,
		FailureReason: r.FailureReason,
	}

	if len(r.Analysis) > 0 {
		var analysis jobmodel.AnalysisResult
		if err := json.Unmarshal(r.Analysis, &analysis); err != nil {
			return nil, fmt.Errorf("failed to decode analysis: %w", err)
		}
		job.Analysis = &analysis
	}

	return job, nil
}

func (s *Store) PutJob(ctx context.Context, job *jobmodel.Job) error {
	data, err := json.Marshal(job.JobData)
	if err != nil {
		return fmt.Errorf("failed to encode job_data: %w", err)
	}

	query, args, err := psql.Insert("jobs").
		Columns("task_id", "user_id", "filename", "status", "status_chat_id", "status_message_id", "job_data", "failure_reason").
		Values(job.TaskID, job.UserID, job.Filename, string(job.Status), job.StatusMessageRef.ChatID, job.StatusMessageRef.MessageID, data, job.FailureReason).
		ToSql()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

func (s *Store) GetJob(ctx context.Context, taskID uuid.UUID) (*jobmodel.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT task_id, user_id, filename, status, status_chat_id, status_message_id, job_data, analysis, failure_reason FROM jobs WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return row.toModel()
}

func (s *Store) ListActiveByUser(ctx context.Context, userID int64) ([]*jobmodel.Job, error) {
	query, args, err := psql.Select("task_id", "user_id", "filename", "status", "status_chat_id", "status_message_id", "job_data", "analysis", "failure_reason").
		From("jobs").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.NotEq{"status": []string{string(jobmodel.Completed), string(jobmodel.Failed), string(jobmodel.Cancelled)}}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	jobs := make([]*jobmodel.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (s *Store) UpdateStatus(ctx context.Context, taskID uuid.UUID, from, to jobmodel.Status) error {
	if !jobmodel.CanTransition(from, to) {
		return store.ErrStaleStatus
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE jobs SET status = ?, updated_at = now() WHERE task_id = ? AND status = ?`), string(to), taskID, string(from))
	if err != nil {
		return err
	}

	return requireOneRow(res)
}

func (s *Store) SetBrokerMessageID(ctx context.Context, taskID uuid.UUID, brokerMessageID string) error {
	return s.patchJobData(ctx, taskID, func(data *jobmodel.JobData) { data.BrokerMessageID = brokerMessageID })
}

func (s *Store) SetCPUQueue(ctx context.Context, taskID uuid.UUID, queue jobmodel.CPUQueue) error {
	return s.patchJobData(ctx, taskID, func(data *jobmodel.JobData) { data.CPUQueue = queue })
}

// patchJobData reads-modifies-writes the JSONB job_data column inside a
// transaction, used by the handful of mutations that touch a single nested
// field rather than Status.
func (s *Store) patchJobData(ctx context.Context, taskID uuid.UUID, mutate func(*jobmodel.JobData)) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var raw []byte
	if err := tx.GetContext(ctx, &raw, tx.Rebind(`SELECT job_data FROM jobs WHERE task_id = ? FOR UPDATE`), taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	var data jobmodel.JobData
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	mutate(&data)

	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE jobs SET job_data = ?, updated_at = now() WHERE task_id = ?`), encoded, taskID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) SetAnalysis(ctx context.Context, taskID uuid.UUID, analysis jobmodel.AnalysisResult) error {
	encoded, err := json.Marshal(analysis)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE jobs SET analysis = ?, updated_at = now() WHERE task_id = ?`), encoded, taskID)
	if err != nil {
		return err
	}

	return requireOneRow(res)
}

func (s *Store) SetFailureReason(ctx context.Context, taskID uuid.UUID, reason string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE jobs SET failure_reason = ?, updated_at = now() WHERE task_id = ?`), reason, taskID)
	if err != nil {
		return err
	}

	return requireOneRow(res)
}

func (s *Store) RemoveJob(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM jobs WHERE task_id = ?`), taskID)
	return err
}

func (s *Store) GetUserSettings(ctx context.Context, userID int64) (*jobmodel.UserSettings, error) {
	var row struct {
		UserID             int64          `db:"user_id"`
		BrandName          string         `db:"brand_name"`
		Website            string         `db:"website"`
		CustomThumbnailRef sql.NullString `db:"custom_thumbnail_ref"`
	}

	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT user_id, brand_name, website, custom_thumbnail_ref FROM users WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &jobmodel.UserSettings{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}

	settings := &jobmodel.UserSettings{UserID: row.UserID, BrandName: row.BrandName, Website: row.Website}
	if row.CustomThumbnailRef.Valid {
		settings.CustomThumbnailRef = &row.CustomThumbnailRef.String
	}

	return settings, nil
}

func (s *Store) PutUserSettings(ctx context.Context, settings *jobmodel.UserSettings) error {
	var thumb sql.NullString
	if settings.CustomThumbnailRef != nil {
		thumb = sql.NullString{String: *settings.CustomThumbnailRef, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (user_id, brand_name, website, custom_thumbnail_ref)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET brand_name = EXCLUDED.brand_name, website = EXCLUDED.website, custom_thumbnail_ref = EXCLUDED.custom_thumbnail_ref
	`), settings.UserID, settings.BrandName, settings.Website, thumb)

	return err
}

func requireOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrStaleStatus
	}
	return nil
}

var _ store.Store = (*Store)(nil)
