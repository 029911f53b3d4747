package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a PostgreSQL pool. All multi-row
// operations run in a single transaction; claims rely on
// FOR UPDATE SKIP LOCKED so concurrent workers never block each other.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for health checks.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func derefTime(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

// --- Profiles ---

func (s *PostgresStore) UpsertProfile(ctx context.Context, p *Profile) error {
	query := `
		INSERT INTO profiles (id, group_id, name, is_active, is_blocked, blocked_reason, is_logged_out, hourly_sent, hour_started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, false, NULL, false, 0, now(), now(), now())
		ON CONFLICT (id) DO UPDATE SET
			group_id = EXCLUDED.group_id,
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`
	_, err := s.pool.Exec(ctx, query, p.ID, p.GroupID, p.Name, p.Active)
	return err
}

const profileColumns = `id, group_id, name, is_active, is_blocked, COALESCE(blocked_reason, ''), is_logged_out, hourly_sent, hour_started_at, last_message_at, created_at, updated_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	var lastMessage *time.Time
	err := row.Scan(&p.ID, &p.GroupID, &p.Name, &p.Active, &p.Blocked, &p.BlockedReason,
		&p.LoggedOut, &p.HourlySent, &p.HourStartedAt, &lastMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.LastMessageAt = derefTime(lastMessage)
	return &p, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`
	p, err := scanProfile(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) ListActiveProfiles(ctx context.Context, groupID string) ([]*Profile, error) {
	query := `
		SELECT ` + profileColumns + `
		FROM profiles
		WHERE group_id = $1 AND is_active AND NOT is_blocked AND NOT is_logged_out
		ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *PostgresStore) BlockProfile(ctx context.Context, id, reason string, now time.Time) error {
	query := `UPDATE profiles SET is_blocked = true, is_active = false, blocked_reason = $2, updated_at = $3 WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, reason, now)
	return err
}

func (s *PostgresStore) MarkProfileLoggedOut(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE profiles SET is_logged_out = true, is_active = false, updated_at = $2 WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, now)
	return err
}

// --- Tasks ---

func (s *PostgresStore) ImportChats(ctx context.Context, groupID string, chatRefs []string, totalCycles int, now time.Time) (int64, error) {
	var added int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO tasks (group_id, chat_ref, status, total_cycles, completed_cycles, success_count, failed_count, created_at, updated_at)
			VALUES ($1, $2, 'pending', $3, 0, 0, 0, $4, $4)
			ON CONFLICT (group_id, chat_ref) DO NOTHING
		`
		for _, ref := range chatRefs {
			tag, err := tx.Exec(ctx, query, groupID, ref, totalCycles, now)
			if err != nil {
				return err
			}
			added += tag.RowsAffected()
		}
		return nil
	})
	return added, err
}

const taskColumns = `id, group_id, chat_ref, status, total_cycles, completed_cycles, success_count,
	COALESCE(block_reason, ''), failed_count, COALESCE(assigned_profile_id, ''),
	next_available_at, last_attempt_at, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var nextAvailable, lastAttempt *time.Time
	err := row.Scan(&t.ID, &t.GroupID, &t.ChatRef, &t.Status, &t.TotalCycles, &t.CompletedCycles, &t.SuccessCount,
		&t.BlockReason, &t.FailedCount, &t.AssignedProfileID,
		&nextAvailable, &lastAttempt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.NextAvailableAt = derefTime(nextAvailable)
	t.LastAttemptAt = derefTime(lastAttempt)
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *PostgresStore) ClaimNextTask(ctx context.Context, p ClaimParams) (*Task, error) {
	var claimed *Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Roll the profile's hourly window and gate the claim on its
		// budget, all under the same row lock.
		var hourlySent int
		var hourStarted time.Time
		err := tx.QueryRow(ctx,
			`SELECT hourly_sent, hour_started_at FROM profiles WHERE id = $1 FOR UPDATE`,
			p.ProfileID).Scan(&hourlySent, &hourStarted)
		if err != nil {
			return fmt.Errorf("claim: load profile %s: %w", p.ProfileID, err)
		}
		if p.Now.Sub(hourStarted) >= time.Hour {
			if _, err := tx.Exec(ctx,
				`UPDATE profiles SET hourly_sent = 0, hour_started_at = $2, updated_at = $2 WHERE id = $1`,
				p.ProfileID, p.Now); err != nil {
				return err
			}
			hourlySent = 0
		}
		if p.MaxPerHour > 0 && hourlySent >= p.MaxPerHour {
			return ErrHourlyLimit
		}

		// in_progress rows already owned by this profile stay claimable
		// so a restarted worker can resume its own orphaned task without
		// waiting for the reaper.
		query := `
			SELECT ` + taskColumns + `
			FROM tasks
			WHERE group_id = $1
			  AND (status = 'pending' OR (status = 'in_progress' AND assigned_profile_id = $4))
			  AND completed_cycles < total_cycles
			  AND (next_available_at IS NULL OR next_available_at <= $2)
			  AND (SELECT count(*) FROM task_attempts a WHERE a.task_id = tasks.id AND a.run_id = $3) < total_cycles
			ORDER BY completed_cycles ASC, last_attempt_at ASC NULLS FIRST, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`
		task, err := scanTask(tx.QueryRow(ctx, query, p.GroupID, p.Now, p.RunID, p.ProfileID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET status = 'in_progress', assigned_profile_id = $1, updated_at = $2 WHERE id = $3`,
			p.ProfileID, p.Now, task.ID); err != nil {
			return err
		}
		task.Status = TaskInProgress
		task.AssignedProfileID = p.ProfileID
		task.UpdatedAt = p.Now
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *PostgresStore) RecordTaskSuccess(ctx context.Context, p SuccessParams) (*Task, error) {
	var updated *Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		task, err := scanTask(tx.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, p.TaskID))
		if err != nil {
			return fmt.Errorf("record success: load task %d: %w", p.TaskID, err)
		}

		cycle := task.CompletedCycles + 1
		if _, err := tx.Exec(ctx, `
			INSERT INTO task_attempts (task_id, profile_id, run_id, status, proxy_url, cycle_number, created_at)
			VALUES ($1, $2, $3, 'success', $4, $5, $6)`,
			p.TaskID, p.ProfileID, p.RunID, nullStr(p.ProxyURL), cycle, p.Now); err != nil {
			return err
		}

		status := TaskPending
		var nextAvailable time.Time
		if cycle >= task.TotalCycles {
			status = TaskCompleted
		} else if p.CycleDelay > 0 {
			nextAvailable = p.Now.Add(p.CycleDelay)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET
				completed_cycles = $2,
				success_count = success_count + 1,
				failed_count = 0,
				status = $3,
				block_reason = NULL,
				next_available_at = $4,
				last_attempt_at = $5,
				assigned_profile_id = NULL,
				updated_at = $5
			WHERE id = $1`,
			p.TaskID, cycle, status, nullTime(nextAvailable), p.Now); err != nil {
			return err
		}

		// Window-aware hourly counter bump.
		if _, err := tx.Exec(ctx, `
			UPDATE profiles SET
				hourly_sent = CASE WHEN hour_started_at <= $2 - interval '1 hour' THEN 1 ELSE hourly_sent + 1 END,
				hour_started_at = CASE WHEN hour_started_at <= $2 - interval '1 hour' THEN $2 ELSE hour_started_at END,
				last_message_at = $2,
				updated_at = $2
			WHERE id = $1`,
			p.ProfileID, p.Now); err != nil {
			return err
		}

		if p.MessageID > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE messages SET usage_count = usage_count + 1 WHERE id = $1`, p.MessageID); err != nil {
				return err
			}
		}

		if err := bumpDailyStats(ctx, tx, p.ProfileID, p.Now, 1, 0); err != nil {
			return err
		}
		if err := appendSendLog(ctx, tx, p.GroupID, p.ProfileID, p.TaskID, p.ChatRef, p.MessageText, AttemptSuccess, "", p.Now); err != nil {
			return err
		}

		task.CompletedCycles = cycle
		task.SuccessCount++
		task.FailedCount = 0
		task.Status = status
		task.BlockReason = ""
		task.NextAvailableAt = nextAvailable
		task.LastAttemptAt = p.Now
		task.AssignedProfileID = ""
		task.UpdatedAt = p.Now
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) RecordTaskFailure(ctx context.Context, p FailureParams) (bool, error) {
	var blocked bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		task, err := scanTask(tx.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, p.TaskID))
		if err != nil {
			return fmt.Errorf("record failure: load task %d: %w", p.TaskID, err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO task_attempts (task_id, profile_id, run_id, status, error_kind, detail, proxy_url, cycle_number, created_at)
			VALUES ($1, $2, $3, 'failed', $4, $5, $6, $7, $8)`,
			p.TaskID, p.ProfileID, p.RunID, p.ErrorKind, nullStr(p.Detail), nullStr(p.ProxyURL),
			task.CompletedCycles+1, p.Now); err != nil {
			return err
		}

		failed := task.FailedCount
		if !p.NoEscalate {
			failed++
		}
		reason := p.BlockReason
		blocked = p.Block
		if !blocked && p.FailureBudget > 0 && failed >= p.FailureBudget {
			blocked = true
			reason = BlockReasonTooManyFailures
		}

		if blocked {
			if _, err := tx.Exec(ctx, `
				UPDATE tasks SET
					status = 'blocked', block_reason = $2, failed_count = $3,
					last_attempt_at = $4, next_available_at = NULL,
					assigned_profile_id = NULL, updated_at = $4
				WHERE id = $1`,
				p.TaskID, reason, failed, p.Now); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(ctx, `
				UPDATE tasks SET
					status = 'pending', failed_count = $2,
					last_attempt_at = $3, next_available_at = $4,
					assigned_profile_id = NULL, updated_at = $3
				WHERE id = $1`,
				p.TaskID, failed, p.Now, nullTime(p.Now.Add(p.Backoff))); err != nil {
				return err
			}
		}

		if err := bumpDailyStats(ctx, tx, p.ProfileID, p.Now, 0, 1); err != nil {
			return err
		}
		return appendSendLog(ctx, tx, p.GroupID, p.ProfileID, p.TaskID, p.ChatRef, "", AttemptFailed, p.ErrorKind, p.Now)
	})
	if err != nil {
		return false, err
	}
	return blocked, nil
}

func (s *PostgresStore) ReleaseTask(ctx context.Context, taskID int64, retryAfter time.Duration, now time.Time) error {
	var nextAvailable time.Time
	if retryAfter > 0 {
		nextAvailable = now.Add(retryAfter)
	}
	query := `
		UPDATE tasks SET
			status = 'pending', assigned_profile_id = NULL,
			next_available_at = $2, updated_at = $3
		WHERE id = $1 AND status = 'in_progress'
	`
	_, err := s.pool.Exec(ctx, query, taskID, nullTime(nextAvailable), now)
	return err
}

func (s *PostgresStore) ResetStaleTasks(ctx context.Context, groupID string, olderThan time.Duration, now time.Time) (int64, error) {
	query := `
		UPDATE tasks SET status = 'pending', assigned_profile_id = NULL, updated_at = $3
		WHERE group_id = $1 AND status = 'in_progress' AND updated_at < $2
	`
	tag, err := s.pool.Exec(ctx, query, groupID, now.Add(-olderThan), now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RemainingTasks(ctx context.Context, groupID, runID string) (int64, error) {
	query := `
		SELECT count(*)
		FROM tasks
		WHERE group_id = $1
		  AND status = 'pending'
		  AND completed_cycles < total_cycles
		  AND (SELECT count(*) FROM task_attempts a WHERE a.task_id = tasks.id AND a.run_id = $2) < total_cycles
	`
	var n int64
	err := s.pool.QueryRow(ctx, query, groupID, runID).Scan(&n)
	return n, err
}

func (s *PostgresStore) UnblockTasks(ctx context.Context, groupID, reason string, now time.Time) (int64, error) {
	query := `
		UPDATE tasks SET
			status = 'pending', block_reason = NULL, failed_count = 0,
			next_available_at = NULL, updated_at = $3
		WHERE group_id = $1 AND status = 'blocked' AND block_reason = $2
	`
	tag, err := s.pool.Exec(ctx, query, groupID, reason, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) TaskStats(ctx context.Context, groupID string) (*TaskStats, error) {
	stats := &TaskStats{BlockedByReason: map[string]int64{}}
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM tasks WHERE group_id = $1 GROUP BY status`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status TaskStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.Total += n
		switch status {
		case TaskPending:
			stats.Pending = n
		case TaskInProgress:
			stats.InProgress = n
		case TaskCompleted:
			stats.Completed = n
		case TaskBlocked:
			stats.Blocked = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reasonRows, err := s.pool.Query(ctx, `
		SELECT COALESCE(block_reason, ''), count(*)
		FROM tasks WHERE group_id = $1 AND status = 'blocked'
		GROUP BY block_reason`, groupID)
	if err != nil {
		return nil, err
	}
	defer reasonRows.Close()
	for reasonRows.Next() {
		var reason string
		var n int64
		if err := reasonRows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		stats.BlockedByReason[reason] = n
	}
	return stats, reasonRows.Err()
}

// --- Messages ---

func (s *PostgresStore) ImportMessages(ctx context.Context, groupID string, texts []string, now time.Time) (int64, error) {
	var added int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO messages (group_id, text, is_active, usage_count, created_at)
			VALUES ($1, $2, true, 0, $3)
			ON CONFLICT (group_id, text) DO NOTHING
		`
		for _, text := range texts {
			tag, err := tx.Exec(ctx, query, groupID, text, now)
			if err != nil {
				return err
			}
			added += tag.RowsAffected()
		}
		return nil
	})
	return added, err
}

func (s *PostgresStore) ListActiveMessages(ctx context.Context, groupID string) ([]*Message, error) {
	query := `
		SELECT id, group_id, text, is_active, usage_count, created_at
		FROM messages WHERE group_id = $1 AND is_active
		ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.Text, &m.Active, &m.UsageCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// --- Proxies ---

const proxyColumns = `id, url, is_healthy, unhealthy_at, COALESCE(assigned_profile_id, ''), assigned_at, created_at, updated_at`

func scanProxy(row pgx.Row) (*Proxy, error) {
	var p Proxy
	var unhealthyAt, assignedAt *time.Time
	err := row.Scan(&p.ID, &p.URL, &p.Healthy, &unhealthyAt, &p.AssignedProfileID, &assignedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.UnhealthyAt = derefTime(unhealthyAt)
	p.AssignedAt = derefTime(assignedAt)
	return &p, nil
}

func (s *PostgresStore) SyncProxies(ctx context.Context, urls []string, now time.Time) (int64, error) {
	var added int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO proxies (url, is_healthy, created_at, updated_at)
			VALUES ($1, true, $2, $2)
			ON CONFLICT (url) DO NOTHING
		`
		for _, url := range urls {
			tag, err := tx.Exec(ctx, query, url, now)
			if err != nil {
				return err
			}
			added += tag.RowsAffected()
		}
		return nil
	})
	return added, err
}

func (s *PostgresStore) ListProxies(ctx context.Context) ([]*Proxy, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+proxyColumns+` FROM proxies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proxies []*Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}

func (s *PostgresStore) AssignedProxy(ctx context.Context, profileID string) (*Proxy, error) {
	query := `SELECT ` + proxyColumns + ` FROM proxies WHERE assigned_profile_id = $1`
	p, err := scanProxy(s.pool.QueryRow(ctx, query, profileID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) AcquireProxy(ctx context.Context, profileID string, now time.Time) (*Proxy, error) {
	var acquired *Proxy
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `
			SELECT ` + proxyColumns + `
			FROM proxies
			WHERE is_healthy AND assigned_profile_id IS NULL
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`
		p, err := scanProxy(tx.QueryRow(ctx, query))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoProxy
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE proxies SET assigned_profile_id = $1, assigned_at = $2, updated_at = $2 WHERE id = $3`,
			profileID, now, p.ID); err != nil {
			return err
		}
		p.AssignedProfileID = profileID
		p.AssignedAt = now
		p.UpdatedAt = now
		acquired = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

func (s *PostgresStore) ReleaseProxy(ctx context.Context, profileID string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE proxies SET assigned_profile_id = NULL, assigned_at = NULL, updated_at = $2 WHERE assigned_profile_id = $1`,
		profileID, now)
	return err
}

func (s *PostgresStore) MarkProxyUnhealthy(ctx context.Context, url string, now time.Time) error {
	query := `
		UPDATE proxies SET is_healthy = false, unhealthy_at = $2, assigned_profile_id = NULL, assigned_at = NULL, updated_at = $2
		WHERE url = $1
	`
	_, err := s.pool.Exec(ctx, query, url, now)
	return err
}

func (s *PostgresStore) RecordProxyOutcome(ctx context.Context, proxyURL, profileID string, obs ProxyObservation, now time.Time) (*ProxyStats, error) {
	var success, chatNotFound, proxyErr int
	switch obs {
	case ProxyObservedSuccess:
		success = 1
	case ProxyObservedChatNotFound:
		chatNotFound = 1
	default:
		proxyErr = 1
	}
	query := `
		INSERT INTO proxy_stats (proxy_url, profile_id, attempts, successes, chat_not_found, errors, updated_at)
		VALUES ($1, $2, 1, $3, $4, $5, $6)
		ON CONFLICT (proxy_url, profile_id) DO UPDATE SET
			attempts = proxy_stats.attempts + 1,
			successes = proxy_stats.successes + $3,
			chat_not_found = proxy_stats.chat_not_found + $4,
			errors = proxy_stats.errors + $5,
			updated_at = $6
		RETURNING attempts, successes, chat_not_found, errors
	`
	stats := &ProxyStats{ProxyURL: proxyURL, ProfileID: profileID, UpdatedAt: now}
	err := s.pool.QueryRow(ctx, query, proxyURL, profileID, success, chatNotFound, proxyErr, now).
		Scan(&stats.Attempts, &stats.Successes, &stats.ChatNotFound, &stats.Errors)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *PostgresStore) ResetProxyStats(ctx context.Context, proxyURL, profileID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM proxy_stats WHERE proxy_url = $1 AND profile_id = $2`, proxyURL, profileID)
	return err
}

func (s *PostgresStore) ReviveProxies(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	query := `
		UPDATE proxies SET is_healthy = true, unhealthy_at = NULL, updated_at = $2
		WHERE NOT is_healthy AND unhealthy_at < $1
	`
	tag, err := s.pool.Exec(ctx, query, now.Add(-olderThan), now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Stats ---

func (s *PostgresStore) DailyStats(ctx context.Context, groupID, date string) ([]*DailyStat, error) {
	query := `
		SELECT d.profile_id, to_char(d.date, 'YYYY-MM-DD'), d.sent, d.failed
		FROM profile_daily_stats d
		JOIN profiles p ON p.id = d.profile_id
		WHERE p.group_id = $1 AND d.date = $2::date
		ORDER BY d.profile_id
	`
	rows, err := s.pool.Query(ctx, query, groupID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*DailyStat
	for rows.Next() {
		var d DailyStat
		if err := rows.Scan(&d.ProfileID, &d.Date, &d.Sent, &d.Failed); err != nil {
			return nil, err
		}
		stats = append(stats, &d)
	}
	return stats, rows.Err()
}

func bumpDailyStats(ctx context.Context, tx pgx.Tx, profileID string, now time.Time, sent, failed int) error {
	query := `
		INSERT INTO profile_daily_stats (profile_id, date, sent, failed)
		VALUES ($1, $2::date, $3, $4)
		ON CONFLICT (profile_id, date) DO UPDATE SET
			sent = profile_daily_stats.sent + $3,
			failed = profile_daily_stats.failed + $4
	`
	_, err := tx.Exec(ctx, query, profileID, now.UTC().Format("2006-01-02"), sent, failed)
	return err
}

func appendSendLog(ctx context.Context, tx pgx.Tx, groupID, profileID string, taskID int64, chatRef, messageText string, status AttemptStatus, errorKind string, now time.Time) error {
	query := `
		INSERT INTO send_log (group_id, profile_id, task_id, chat_ref, message_text, status, error_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query, groupID, profileID, taskID, chatRef, nullStr(messageText), status, nullStr(errorKind), now)
	return err
}
