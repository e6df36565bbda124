package identity

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/authgate/internal/model"
)

// DefaultBcryptCost はパスワードハッシュのデフォルトコスト。
const DefaultBcryptCost = 10

// PasswordHasher はパスワードのハッシュ化と照合を行うインターフェース。
type PasswordHasher interface {
	Hash(password string) (string, error)
	// Compare は一致しない場合にエラーを返す。
	Compare(hash, password string) error
}

// BcryptHasher はbcryptによるPasswordHasherの実装。
type BcryptHasher struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewBcryptHasher はBcryptHasherを生成する。範囲外のコストはデフォルト値に置き換える。
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash はパスワードをハッシュ化する。
func (h *BcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", fmt.Errorf("%w: password exceeds 72 bytes", model.ErrInvalidInput)
	}
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Compare はハッシュとパスワードを照合する。
func (h *BcryptHasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// CompareDummy は存在しないユーザーに対しても照合と同等の時間を消費する。
// ユーザーの有無を応答時間から推測させないために使う。
func (h *BcryptHasher) CompareDummy(password string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("authgate-dummy-password"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
}

// compile-time interface check
var _ PasswordHasher = (*BcryptHasher)(nil)
