package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

const sessionColumns = `id, user_id, session_token, refresh_token, expires_at, is_active,
	user_agent, ip_address, created_at, updated_at`

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// scanSession は1行分のセッションを読み取る。
func scanSession(row rowScanner) (*model.Session, error) {
	var (
		session             model.Session
		userAgent, ipAddress sql.NullString
	)
	err := row.Scan(
		&session.ID, &session.UserID, &session.SessionToken, &session.RefreshToken,
		&session.ExpiresAt, &session.IsActive, &userAgent, &ipAddress,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.UserAgent = userAgent.String
	session.IPAddress = ipAddress.String
	return &session, nil
}

// findOne は条件に一致するセッションを1件取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) findOne(ctx context.Context, where string, args ...any) (*model.Session, error) {
	session, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+where,
		args...,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		session.ID, session.UserID, session.SessionToken, session.RefreshToken,
		session.ExpiresAt, session.IsActive,
		nullString(session.UserAgent), nullString(session.IPAddress),
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError("failed to create session", err)
	}
	return nil
}

// FindByID は指定IDのセッションを状態に関わらず取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session, err := r.findOne(ctx, `id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// FindActiveByToken はセッショントークンで有効かつ期限内のセッションを取得する。
func (r *PostgresSessionRepo) FindActiveByToken(ctx context.Context, sessionToken string, now time.Time) (*model.Session, error) {
	session, err := r.findOne(ctx,
		`session_token = $1 AND is_active = true AND expires_at > $2`,
		sessionToken, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find session by token: %w", err)
	}
	return session, nil
}

// FindByRefreshToken はリフレッシュトークンでセッションを状態に関わらず取得する。
func (r *PostgresSessionRepo) FindByRefreshToken(ctx context.Context, refreshToken string) (*model.Session, error) {
	session, err := r.findOne(ctx, `refresh_token = $1`, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to find session by refresh token: %w", err)
	}
	return session, nil
}

// Extend は有効なセッションの期限を延長し、リフレッシュトークンを置き換える。
// refresh_tokenの比較を条件に含めることで、同時リフレッシュのうち1件だけが成功する。
func (r *PostgresSessionRepo) Extend(ctx context.Context, id, currentRefresh, nextRefresh string, expiresAt, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions
		 SET refresh_token = $3, expires_at = $4, updated_at = $5
		 WHERE id = $1 AND refresh_token = $2 AND is_active = true AND expires_at > $5`,
		id, currentRefresh, nextRefresh, expiresAt, now,
	)
	if err != nil {
		return false, wrapWriteError("failed to extend session", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// DeactivateByID は指定IDのセッションを失効させる。
func (r *PostgresSessionRepo) DeactivateByID(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = false, updated_at = $2
		 WHERE id = $1 AND is_active = true`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}

// DeactivateByToken はセッショントークンに一致するセッションを失効させる。
func (r *PostgresSessionRepo) DeactivateByToken(ctx context.Context, sessionToken string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = false, updated_at = $2
		 WHERE session_token = $1 AND is_active = true`,
		sessionToken, now,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate session by token: %w", err)
	}
	return nil
}

// ListActiveByUserID は指定ユーザーの失効していないセッションを返す。
func (r *PostgresSessionRepo) ListActiveByUserID(ctx context.Context, userID string) ([]*model.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND is_active = true
		 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeactivateByUserID は指定ユーザーの全セッションを失効させ、更新件数を返す。
func (r *PostgresSessionRepo) DeactivateByUserID(ctx context.Context, userID string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = false, updated_at = $2
		 WHERE user_id = $1 AND is_active = true`,
		userID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate user sessions: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// DeleteExpiredInactive は失効済みかつ期限切れのセッションを物理削除し、削除件数を返す。
func (r *PostgresSessionRepo) DeleteExpiredInactive(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE is_active = false AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// CountActive は有効かつ期限内のセッション数を返す。
func (r *PostgresSessionRepo) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sessions WHERE is_active = true AND expires_at > $1`,
		now,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
