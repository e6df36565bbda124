// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
// 見つからない場合はエラーではなくnilを返す。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByProviderID はプロバイダーと外部IDでユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderID(ctx context.Context, provider model.Provider, providerID string) (*model.User, error)

	// Create はユーザーを作成する。
	// email または外部IDの一意制約に違反した場合は model.ErrDuplicate をラップして返す。
	Create(ctx context.Context, user *model.User) error

	// LinkProvider は既存ユーザーに外部IDを紐付け、アバターを更新する。
	// 更新後のユーザーを返す。ユーザーが存在しない場合はnilを返す。
	// 外部IDの一意制約に違反した場合は model.ErrDuplicate をラップして返す。
	LinkProvider(ctx context.Context, userID string, provider model.Provider, providerID string, avatarURL *string, now time.Time) (*model.User, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
// セッションの正本であり、各書き込みは単一のアトミックな操作で行う。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを状態に関わらず取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// FindActiveByToken はセッショントークンで有効かつ期限内のセッションを取得する。
	// 見つからない場合はnilを返す。
	FindActiveByToken(ctx context.Context, sessionToken string, now time.Time) (*model.Session, error)

	// FindByRefreshToken はリフレッシュトークンでセッションを状態に関わらず取得する。
	// 見つからない場合はnilを返す。
	FindByRefreshToken(ctx context.Context, refreshToken string) (*model.Session, error)

	// Extend は有効なセッションの期限を延長し、リフレッシュトークンを置き換える。
	// currentRefreshが一致しない、またはセッションが失効済みの場合はfalseを返す。
	Extend(ctx context.Context, id, currentRefresh, nextRefresh string, expiresAt, now time.Time) (bool, error)

	// DeactivateByID は指定IDのセッションを失効させる。存在しなくてもエラーにしない。
	DeactivateByID(ctx context.Context, id string, now time.Time) error

	// DeactivateByToken はセッショントークンに一致するセッションを失効させる。
	// 存在しなくてもエラーにしない。
	DeactivateByToken(ctx context.Context, sessionToken string, now time.Time) error

	// ListActiveByUserID は指定ユーザーの失効していないセッションを返す。
	ListActiveByUserID(ctx context.Context, userID string) ([]*model.Session, error)

	// DeactivateByUserID は指定ユーザーの全セッションを失効させ、更新件数を返す。
	DeactivateByUserID(ctx context.Context, userID string, now time.Time) (int64, error)

	// DeleteExpiredInactive は失効済みかつ期限切れのセッションを物理削除し、削除件数を返す。
	DeleteExpiredInactive(ctx context.Context, now time.Time) (int64, error)

	// CountActive は有効かつ期限内のセッション数を返す。
	CountActive(ctx context.Context, now time.Time) (int64, error)
}
