package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

const userColumns = `id, email, password_hash, provider, google_id, github_id,
	first_name, last_name, avatar_url, is_email_verified, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser は1行分のユーザーを読み取る。
func scanUser(row rowScanner) (*model.User, error) {
	var (
		user                                  model.User
		email, passwordHash, googleID, gitHub sql.NullString
		avatarURL                             sql.NullString
		provider                              string
	)
	err := row.Scan(
		&user.ID, &email, &passwordHash, &provider, &googleID, &gitHub,
		&user.FirstName, &user.LastName, &avatarURL, &user.IsEmailVerified,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Email = email.String
	user.PasswordHash = stringPtr(passwordHash)
	user.Provider = model.Provider(provider)
	user.GoogleID = stringPtr(googleID)
	user.GitHubID = stringPtr(gitHub)
	user.AvatarURL = stringPtr(avatarURL)
	return &user, nil
}

// findOne は条件に一致するユーザーを1件取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) findOne(ctx context.Context, where string, args ...any) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+where,
		args...,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := r.findOne(ctx, `id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if email == "" {
		return nil, nil
	}
	user, err := r.findOne(ctx, `email = $1`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// FindByProviderID はプロバイダーと外部IDでユーザーを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByProviderID(ctx context.Context, provider model.Provider, providerID string) (*model.User, error) {
	column, err := providerColumn(provider)
	if err != nil {
		return nil, err
	}
	user, err := r.findOne(ctx, column+` = $1`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by %s: %w", column, err)
	}
	return user, nil
}

// Create はユーザーを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		user.ID, nullString(user.Email), nullStringPtr(user.PasswordHash), string(user.Provider),
		nullStringPtr(user.GoogleID), nullStringPtr(user.GitHubID),
		user.FirstName, user.LastName, nullStringPtr(user.AvatarURL), user.IsEmailVerified,
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return wrapWriteError("failed to create user", err)
	}
	return nil
}

// LinkProvider は既存ユーザーに外部IDを紐付け、アバターを更新する。
// 紐付けはプロバイダーがメールアドレスを検証済みの場合のみ呼ばれるため、
// is_email_verifiedも同時に立てる。
func (r *PostgresUserRepo) LinkProvider(ctx context.Context, userID string, provider model.Provider, providerID string, avatarURL *string, now time.Time) (*model.User, error) {
	column, err := providerColumn(provider)
	if err != nil {
		return nil, err
	}

	user, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users
		 SET `+column+` = $2,
		     avatar_url = COALESCE($3, avatar_url),
		     is_email_verified = true,
		     updated_at = $4
		 WHERE id = $1
		 RETURNING `+userColumns,
		userID, providerID, nullStringPtr(avatarURL), now,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapWriteError("failed to link provider", err)
	}
	return user, nil
}

// providerColumn はプロバイダーに対応する外部IDカラム名を返す。
// カラム名はこの許可リストからのみ組み立てる。
func providerColumn(provider model.Provider) (string, error) {
	switch provider {
	case model.ProviderGoogle:
		return "google_id", nil
	case model.ProviderGitHub:
		return "github_id", nil
	default:
		return "", fmt.Errorf("%w: %s", model.ErrUnsupportedProvider, provider)
	}
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
