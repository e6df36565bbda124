package identity

import (
	"strings"

	"github.com/hitoshi/authgate/internal/model"
)

// Claim はIdentityLinkerに渡す本人性の主張。
// PasswordRegistration と ProviderProfile のいずれか。
type Claim interface {
	claim()
}

// PasswordRegistration はメールアドレスとパスワードによる新規登録の主張。
type PasswordRegistration struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// ProviderProfile は外部IdPで認証済みのプロフィール。
// EmailVerified はIdPがメールアドレスの所有を確認済みかどうかを示す。
type ProviderProfile struct {
	Provider       model.Provider
	ProviderUserID string
	Email          string
	EmailVerified  bool
	DisplayName    string
	FirstName      string
	LastName       string
	AvatarURL      string
}

func (PasswordRegistration) claim() {}
func (ProviderProfile) claim()      {}

// names は姓名を返す。姓名が空の場合は表示名を空白で分割して補う。
func (p ProviderProfile) names() (string, string) {
	if p.FirstName != "" || p.LastName != "" {
		return p.FirstName, p.LastName
	}
	first, last, _ := strings.Cut(strings.TrimSpace(p.DisplayName), " ")
	return first, strings.TrimSpace(last)
}

// NormalizeEmail はメールアドレスを比較用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
