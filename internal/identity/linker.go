// Package identity は複数の認証元にまたがるユーザーの同定を行う。
// メールアドレスを紐付けキーとし、重複アカウントを作らない。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// NameSanitizer は外部から受け取った表示名を無害化するインターフェース。
type NameSanitizer interface {
	SanitizeName(name string) string
}

// dummyComparer は存在しないユーザーに対するダミー照合を提供するハッシャー。
type dummyComparer interface {
	CompareDummy(password string)
}

// Linker は本人性の主張からユーザーを解決・作成する。
type Linker struct {
	users     repository.UserRepository
	hasher    PasswordHasher
	sanitizer NameSanitizer
	now       func() time.Time
}

// Option はLinkerの設定を変更する。
type Option func(*Linker)

// WithNameSanitizer は表示名の無害化処理を設定する。
func WithNameSanitizer(s NameSanitizer) Option {
	return func(l *Linker) { l.sanitizer = s }
}

// WithClock は作成・更新時刻に使う時刻関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(l *Linker) { l.now = now }
}

// NewLinker はLinkerを生成する。
func NewLinker(users repository.UserRepository, hasher PasswordHasher, opts ...Option) *Linker {
	l := &Linker{users: users, hasher: hasher, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Resolve は主張に対応するユーザーを返す。必要に応じて作成・紐付けを行う。
//   - PasswordRegistration: メールアドレスが登録済みなら model.ErrConflict
//   - ProviderProfile: 外部ID → 検証済みメールアドレスの順に既存ユーザーを探す
func (l *Linker) Resolve(ctx context.Context, claim Claim) (*model.User, error) {
	switch c := claim.(type) {
	case PasswordRegistration:
		return l.register(ctx, c)
	case ProviderProfile:
		return l.resolveProvider(ctx, c)
	default:
		return nil, fmt.Errorf("%w: unknown claim %T", model.ErrInvalidInput, claim)
	}
}

func (l *Linker) register(ctx context.Context, c PasswordRegistration) (*model.User, error) {
	email := NormalizeEmail(c.Email)
	if email == "" || c.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", model.ErrInvalidInput)
	}

	existing, err := l.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, model.ErrConflict
	}

	hash, err := l.hasher.Hash(c.Password)
	if err != nil {
		return nil, err
	}

	now := l.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: &hash,
		Provider:     model.ProviderLocal,
		FirstName:    l.sanitize(c.FirstName),
		LastName:     l.sanitize(c.LastName),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.users.Create(ctx, user); err != nil {
		// 同時登録で先を越された場合も登録済みとして扱う
		if errors.Is(err, model.ErrDuplicate) {
			return nil, model.ErrConflict
		}
		return nil, err
	}

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("provider", string(user.Provider)),
	)
	return user, nil
}

func (l *Linker) resolveProvider(ctx context.Context, p ProviderProfile) (*model.User, error) {
	if !p.Provider.IsExternal() {
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedProvider, p.Provider)
	}
	if p.ProviderUserID == "" {
		return nil, fmt.Errorf("%w: provider user id is required", model.ErrInvalidInput)
	}
	email := NormalizeEmail(p.Email)

	user, err := l.findExisting(ctx, p, email)
	if err != nil || user != nil {
		return user, err
	}

	user, err = l.createProviderUser(ctx, p, email)
	if errors.Is(err, model.ErrDuplicate) {
		// 同じ外部IDまたはメールアドレスのユーザーが同時に作成された。検索として1回だけやり直す。
		slog.Info("provider user created concurrently, retrying lookup",
			slog.String("provider", string(p.Provider)),
		)
		user, err = l.findExisting(ctx, p, email)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, fmt.Errorf("failed to resolve provider user after conflict: %w", model.ErrDuplicate)
		}
		return user, nil
	}
	return user, err
}

// findExisting は外部ID、次に検証済みメールアドレスで既存ユーザーを探す。
// メールアドレスで見つかった場合は外部IDを紐付ける。見つからない場合はnilを返す。
func (l *Linker) findExisting(ctx context.Context, p ProviderProfile, email string) (*model.User, error) {
	user, err := l.users.FindByProviderID(ctx, p.Provider, p.ProviderUserID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	// 未検証のメールアドレスでは既存アカウントに統合しない
	if email == "" || !p.EmailVerified {
		return nil, nil
	}

	existing, err := l.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	linked, err := l.users.LinkProvider(ctx, existing.ID, p.Provider, p.ProviderUserID, optionalString(p.AvatarURL), l.now())
	if errors.Is(err, model.ErrDuplicate) {
		// 別のリクエストが同じ外部IDを先に紐付けた
		return l.users.FindByProviderID(ctx, p.Provider, p.ProviderUserID)
	}
	if err != nil {
		return nil, err
	}
	if linked != nil {
		slog.Info("provider linked to existing user",
			slog.String("user_id", linked.ID),
			slog.String("provider", string(p.Provider)),
		)
	}
	return linked, nil
}

// createProviderUser は外部IdPのプロフィールからユーザーを作成する。
// 未検証のメールアドレスは紐付けキーとして保存しない。
func (l *Linker) createProviderUser(ctx context.Context, p ProviderProfile, email string) (*model.User, error) {
	if !p.EmailVerified {
		email = ""
	}
	first, last := p.names()
	providerID := p.ProviderUserID
	now := l.now()

	user := &model.User{
		ID:              uuid.New().String(),
		Email:           email,
		Provider:        p.Provider,
		FirstName:       l.sanitize(first),
		LastName:        l.sanitize(last),
		AvatarURL:       optionalString(p.AvatarURL),
		IsEmailVerified: email != "",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	switch p.Provider {
	case model.ProviderGoogle:
		user.GoogleID = &providerID
	case model.ProviderGitHub:
		user.GitHubID = &providerID
	}

	if err := l.users.Create(ctx, user); err != nil {
		return nil, err
	}
	slog.Info("user created from provider",
		slog.String("user_id", user.ID),
		slog.String("provider", string(p.Provider)),
		slog.Bool("email_verified", user.IsEmailVerified),
	)
	return user, nil
}

// Authenticate はメールアドレスとパスワードでユーザーを認証する。
// 失敗時は理由に関わらず model.ErrUnauthorized を返す。
func (l *Linker) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	user, err := l.users.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if user == nil || user.PasswordHash == nil {
		if d, ok := l.hasher.(dummyComparer); ok {
			d.CompareDummy(password)
		}
		return nil, model.ErrUnauthorized
	}
	if err := l.hasher.Compare(*user.PasswordHash, password); err != nil {
		return nil, model.ErrUnauthorized
	}
	return user, nil
}

func (l *Linker) sanitize(name string) string {
	if l.sanitizer == nil {
		return name
	}
	return l.sanitizer.SanitizeName(name)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
