// Package token は短命なアクセストークン（JWT）の発行と検証を行う。
// 検証はストアを参照せず、署名と有効期限のみで完結する。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/authgate/internal/model"
)

// DefaultTTL はアクセストークンのデフォルト有効期間。
const DefaultTTL = time.Hour

// MinSecretLength は署名鍵の最小バイト長。
const MinSecretLength = 32

// Claims はアクセストークンに埋め込むクレーム。
// subjectにユーザーID、sessionIdに発行元のセッションIDを持つ。
type Claims struct {
	Email     string `json:"email"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// UserID はsubjectに格納されたユーザーIDを返す。
func (c *Claims) UserID() string {
	return c.Subject
}

// Issuer はHS256でアクセストークンを署名・検証する。
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option はIssuerの設定を変更する。
type Option func(*Issuer)

// WithClock は発行時刻・検証時刻の時刻関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer はIssuerを生成する。ttlが0以下の場合はDefaultTTLを使用する。
func NewIssuer(secret string, ttl time.Duration, opts ...Option) (*Issuer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	i := &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL はアクセストークンの有効期間を返す。
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Mint はユーザーとセッションに紐付いたアクセストークンを発行する。
func (i *Issuer) Mint(userID, email, sessionID string) (string, error) {
	now := i.now()
	claims := &Claims{
		Email:     email,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Verify は署名・構造・有効期限を検証し、クレームを返す。
// いずれかが不正な場合は model.ErrInvalidCredential をラップして返す。
func (i *Issuer) Verify(signed string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(signed, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", model.ErrInvalidCredential)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidCredential, err)
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing subject or session", model.ErrInvalidCredential)
	}
	return claims, nil
}
