// Package model はドメインモデルを定義する。
package model

import "time"

// Provider はユーザーの認証元（IdP）を表す。
type Provider string

const (
	// ProviderLocal はメールアドレスとパスワードによる認証を示す。
	ProviderLocal Provider = "local"
	// ProviderGoogle はGoogle OAuthによる認証を示す。
	ProviderGoogle Provider = "google"
	// ProviderGitHub はGitHub OAuthによる認証を示す。
	ProviderGitHub Provider = "github"
)

// ExternalProviders は外部IdPスロットを持つプロバイダーの一覧。
var ExternalProviders = []Provider{ProviderGoogle, ProviderGitHub}

// IsExternal は外部IdPスロットを持つプロバイダーかどうかを返す。
func (p Provider) IsExternal() bool {
	for _, ext := range ExternalProviders {
		if p == ext {
			return true
		}
	}
	return false
}

// User はサービス利用ユーザーを表す。
// Emailはプロバイダー間の紐付けキーであり、全体で一意。
// 未検証のプロバイダーメールから作成されたユーザーはEmailが空になる。
type User struct {
	ID              string
	Email           string
	PasswordHash    *string
	Provider        Provider
	GoogleID        *string
	GitHubID        *string
	FirstName       string
	LastName        string
	AvatarURL       *string
	IsEmailVerified bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProviderID は指定プロバイダーの外部IDを返す。未紐付けの場合は空文字列。
func (u *User) ProviderID(p Provider) string {
	var id *string
	switch p {
	case ProviderGoogle:
		id = u.GoogleID
	case ProviderGitHub:
		id = u.GitHubID
	}
	if id == nil {
		return ""
	}
	return *id
}

// Projection はパスワードハッシュを除いた外部公開用のユーザー情報を返す。
func (u *User) Projection() UserProjection {
	p := UserProjection{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
	if u.AvatarURL != nil {
		p.Avatar = *u.AvatarURL
	}
	return p
}

// UserProjection はAPIレスポンスに含めるユーザー情報。
type UserProjection struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar,omitempty"`
}

// Session はユーザーのログインセッションを表す。
// SessionTokenはキャッシュの検索キー、RefreshTokenはアクセストークン再発行用の秘密値。
type Session struct {
	ID           string
	UserID       string
	SessionToken string
	RefreshToken string
	ExpiresAt    time.Time
	IsActive     bool
	UserAgent    string
	IPAddress    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsLive はセッションが有効（未失効かつ期限内）かどうかを返す。
func (s *Session) IsLive(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// ClientMeta はセッション作成時に記録するクライアント情報。
type ClientMeta struct {
	UserAgent string
	IPAddress string
}
