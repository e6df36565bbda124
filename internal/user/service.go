// Package user はユーザー情報の参照を提供する。
package user

import (
	"context"
	"fmt"

	"github.com/hitoshi/authgate/internal/model"
)

// UserFinder はユーザー検索のインターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Service はユーザー情報のサービス層。
type Service struct {
	users UserFinder
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(users UserFinder) *Service {
	return &Service{users: users}
}

// Profile はパスワードハッシュを除いたユーザー情報を返す。
// ユーザーが存在しない場合は model.ErrNotFound を返す。
func (s *Service) Profile(ctx context.Context, userID string) (*model.UserProjection, error) {
	if userID == "" {
		return nil, model.ErrNotFound
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.ErrNotFound
	}

	projection := user.Projection()
	return &projection, nil
}
