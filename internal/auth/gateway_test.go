package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// --- モック ---

type mockIdentities struct {
	resolveFn      func(ctx context.Context, claim identity.Claim) (*model.User, error)
	authenticateFn func(ctx context.Context, email, password string) (*model.User, error)
}

func (m *mockIdentities) Resolve(ctx context.Context, claim identity.Claim) (*model.User, error) {
	return m.resolveFn(ctx, claim)
}

func (m *mockIdentities) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	return m.authenticateFn(ctx, email, password)
}

type mockSessions struct {
	createFn     func(ctx context.Context, userID string, meta model.ClientMeta) (*model.Session, error)
	findByIDFn   func(ctx context.Context, id string) (*model.Session, error)
	refreshFn    func(ctx context.Context, refreshToken string) (*model.Session, error)
	revokeByIDFn func(ctx context.Context, id string) error
	revokeAllFn  func(ctx context.Context, userID string) (int64, error)
}

func (m *mockSessions) Create(ctx context.Context, userID string, meta model.ClientMeta) (*model.Session, error) {
	if m.createFn != nil {
		return m.createFn(ctx, userID, meta)
	}
	return &model.Session{ID: "session-1", UserID: userID, SessionToken: "st", RefreshToken: "rt", IsActive: true}, nil
}

func (m *mockSessions) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessions) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, nil
}

func (m *mockSessions) RevokeByID(ctx context.Context, id string) error {
	if m.revokeByIDFn != nil {
		return m.revokeByIDFn(ctx, id)
	}
	return nil
}

func (m *mockSessions) RevokeAll(ctx context.Context, userID string) (int64, error) {
	if m.revokeAllFn != nil {
		return m.revokeAllFn(ctx, userID)
	}
	return 0, nil
}

type mockUsers struct {
	findByIDFn func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUsers) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

type avatarFilterFunc func(string) string

func (f avatarFilterFunc) SafeAvatarURL(rawURL string) string { return f(rawURL) }

// recordingMetrics は認証試行の記録だけを保持する。
type recordingMetrics struct {
	metrics.NopCollector
	mu       sync.Mutex
	attempts []string
}

func (r *recordingMetrics) RecordAuthAttempt(flow string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := "failure"
	if success {
		status = "success"
	}
	r.attempts = append(r.attempts, flow+":"+status)
}

func (r *recordingMetrics) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.attempts) == 0 {
		return ""
	}
	return r.attempts[len(r.attempts)-1]
}

func newTestIssuer(t *testing.T) *token.Issuer {
	t.Helper()
	issuer, err := token.NewIssuer(testSecret, 0)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	return issuer
}

func testUser() *model.User {
	hash := "$2a$10$hash"
	return &model.User{
		ID:           "user-1",
		Email:        "alice@example.com",
		PasswordHash: &hash,
		Provider:     model.ProviderLocal,
		FirstName:    "Alice",
		LastName:     "Smith",
	}
}

// --- テスト ---

// TestGateway_Register は登録後にセッションとトークンが発行されることを検証する。
func TestGateway_Register(t *testing.T) {
	issuer := newTestIssuer(t)
	rec := &recordingMetrics{}
	var gotMeta model.ClientMeta

	g := NewGateway(
		&mockIdentities{
			resolveFn: func(ctx context.Context, claim identity.Claim) (*model.User, error) {
				reg, ok := claim.(identity.PasswordRegistration)
				if !ok {
					t.Fatalf("claim type = %T, want PasswordRegistration", claim)
				}
				if reg.Email != "alice@example.com" {
					t.Errorf("Email = %q", reg.Email)
				}
				return testUser(), nil
			},
		},
		&mockSessions{
			createFn: func(ctx context.Context, userID string, meta model.ClientMeta) (*model.Session, error) {
				gotMeta = meta
				return &model.Session{ID: "session-1", UserID: userID, RefreshToken: "refresh-1", IsActive: true}, nil
			},
		},
		issuer,
		&mockUsers{},
		WithMetrics(rec),
	)

	meta := model.ClientMeta{UserAgent: "test-agent", IPAddress: "192.0.2.1"}
	result, err := g.Register(context.Background(), identity.PasswordRegistration{
		Email: "alice@example.com", Password: "password123", FirstName: "Alice", LastName: "Smith",
	}, meta)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if result.User.ID != "user-1" || result.User.Email != "alice@example.com" {
		t.Errorf("User = %+v", result.User)
	}
	if result.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q, want refresh-1", result.RefreshToken)
	}
	if gotMeta != meta {
		t.Errorf("ClientMeta = %+v, want %+v", gotMeta, meta)
	}

	claims, err := issuer.Verify(result.AccessToken)
	if err != nil {
		t.Fatalf("access token does not verify: %v", err)
	}
	if claims.UserID() != "user-1" || claims.SessionID != "session-1" || claims.Email != "alice@example.com" {
		t.Errorf("claims = %+v", claims)
	}
	if got := rec.last(); got != "register:success" {
		t.Errorf("metric = %q, want register:success", got)
	}
}

// TestGateway_Register_Conflict は登録済みメールアドレスでセッションを作らないことを検証する。
func TestGateway_Register_Conflict(t *testing.T) {
	rec := &recordingMetrics{}
	g := NewGateway(
		&mockIdentities{
			resolveFn: func(ctx context.Context, claim identity.Claim) (*model.User, error) {
				return nil, model.ErrConflict
			},
		},
		&mockSessions{
			createFn: func(ctx context.Context, userID string, meta model.ClientMeta) (*model.Session, error) {
				t.Fatal("Create must not be called")
				return nil, nil
			},
		},
		newTestIssuer(t),
		&mockUsers{},
		WithMetrics(rec),
	)

	_, err := g.Register(context.Background(), identity.PasswordRegistration{Email: "alice@example.com", Password: "x"}, model.ClientMeta{})
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
	if got := rec.last(); got != "register:failure" {
		t.Errorf("metric = %q, want register:failure", got)
	}
}

// TestGateway_PasswordLogin_Unauthorized は照合失敗がErrUnauthorizedになることを検証する。
func TestGateway_PasswordLogin_Unauthorized(t *testing.T) {
	rec := &recordingMetrics{}
	g := NewGateway(
		&mockIdentities{
			authenticateFn: func(ctx context.Context, email, password string) (*model.User, error) {
				return nil, model.ErrUnauthorized
			},
		},
		&mockSessions{},
		newTestIssuer(t),
		&mockUsers{},
		WithMetrics(rec),
	)

	_, err := g.PasswordLogin(context.Background(), "alice@example.com", "wrong", model.ClientMeta{})
	if !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
	if got := rec.last(); got != "login:failure" {
		t.Errorf("metric = %q, want login:failure", got)
	}
}

// TestGateway_PasswordLogin はパスワードログインが結果を返すことを検証する。
func TestGateway_PasswordLogin(t *testing.T) {
	g := NewGateway(
		&mockIdentities{
			authenticateFn: func(ctx context.Context, email, password string) (*model.User, error) {
				return testUser(), nil
			},
		},
		&mockSessions{},
		newTestIssuer(t),
		&mockUsers{},
	)

	result, err := g.PasswordLogin(context.Background(), "alice@example.com", "password123", model.ClientMeta{})
	if err != nil {
		t.Fatalf("PasswordLogin returned error: %v", err)
	}
	if result.AccessToken == "" || result.RefreshToken != "rt" {
		t.Errorf("result = %+v", result)
	}
}

// TestGateway_Login_NilUser は未検証のユーザーでログインできないことを検証する。
func TestGateway_Login_NilUser(t *testing.T) {
	g := NewGateway(&mockIdentities{}, &mockSessions{}, newTestIssuer(t), &mockUsers{})

	_, err := g.Login(context.Background(), nil, model.ClientMeta{})
	if !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

// TestGateway_Login_SessionError はセッション作成の失敗がラップされて返ることを検証する。
func TestGateway_Login_SessionError(t *testing.T) {
	dbErr := errors.New("db down")
	g := NewGateway(&mockIdentities{}, &mockSessions{
		createFn: func(ctx context.Context, userID string, meta model.ClientMeta) (*model.Session, error) {
			return nil, dbErr
		},
	}, newTestIssuer(t), &mockUsers{})

	_, err := g.Login(context.Background(), testUser(), model.ClientMeta{})
	if !errors.Is(err, dbErr) {
		t.Errorf("error = %v, want wrapped %v", err, dbErr)
	}
}

// TestGateway_ProviderLogin_FiltersAvatar は安全でないアバターURLが除去されることを検証する。
func TestGateway_ProviderLogin_FiltersAvatar(t *testing.T) {
	var got identity.ProviderProfile
	rec := &recordingMetrics{}
	g := NewGateway(
		&mockIdentities{
			resolveFn: func(ctx context.Context, claim identity.Claim) (*model.User, error) {
				got = claim.(identity.ProviderProfile)
				return &model.User{ID: "user-2", Email: "bob@example.com", Provider: model.ProviderGoogle}, nil
			},
		},
		&mockSessions{},
		newTestIssuer(t),
		&mockUsers{},
		WithAvatarFilter(avatarFilterFunc(func(raw string) string {
			if raw == "http://169.254.169.254/latest" {
				return ""
			}
			return raw
		})),
		WithMetrics(rec),
	)

	_, err := g.ProviderLogin(context.Background(), identity.ProviderProfile{
		Provider:       model.ProviderGoogle,
		ProviderUserID: "g-1",
		Email:          "bob@example.com",
		EmailVerified:  true,
		AvatarURL:      "http://169.254.169.254/latest",
	}, model.ClientMeta{})
	if err != nil {
		t.Fatalf("ProviderLogin returned error: %v", err)
	}
	if got.AvatarURL != "" {
		t.Errorf("AvatarURL = %q, want empty", got.AvatarURL)
	}
	if got.ProviderUserID != "g-1" {
		t.Errorf("ProviderUserID = %q, want g-1", got.ProviderUserID)
	}
	if m := rec.last(); m != "oauth:success" {
		t.Errorf("metric = %q, want oauth:success", m)
	}
}

// TestGateway_Refresh はリフレッシュで同じセッションに紐付くトークンが返ることを検証する。
func TestGateway_Refresh(t *testing.T) {
	issuer := newTestIssuer(t)
	g := NewGateway(
		&mockIdentities{},
		&mockSessions{
			refreshFn: func(ctx context.Context, refreshToken string) (*model.Session, error) {
				if refreshToken != "refresh-1" {
					return nil, nil
				}
				return &model.Session{ID: "session-9", UserID: "user-1", RefreshToken: "refresh-1", IsActive: true}, nil
			},
		},
		issuer,
		&mockUsers{
			findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
				return testUser(), nil
			},
		},
	)

	pair, err := g.Refresh(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if pair.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q, want refresh-1", pair.RefreshToken)
	}
	claims, err := issuer.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("access token does not verify: %v", err)
	}
	if claims.SessionID != "session-9" {
		t.Errorf("SessionID = %q, want session-9", claims.SessionID)
	}
}

// TestGateway_Refresh_Failures はリフレッシュの失敗ケースを検証する。
func TestGateway_Refresh_Failures(t *testing.T) {
	dbErr := errors.New("db down")
	live := &model.Session{ID: "session-1", UserID: "user-1", RefreshToken: "rt", IsActive: true}

	tests := []struct {
		name     string
		refresh  func(ctx context.Context, refreshToken string) (*model.Session, error)
		findUser func(ctx context.Context, id string) (*model.User, error)
		wantErr  error
	}{
		{
			name:    "session not refreshable",
			refresh: func(ctx context.Context, refreshToken string) (*model.Session, error) { return nil, nil },
			wantErr: model.ErrUnauthorized,
		},
		{
			name:     "user missing",
			refresh:  func(ctx context.Context, refreshToken string) (*model.Session, error) { return live, nil },
			findUser: func(ctx context.Context, id string) (*model.User, error) { return nil, nil },
			wantErr:  model.ErrUnauthorized,
		},
		{
			name:    "store failure",
			refresh: func(ctx context.Context, refreshToken string) (*model.Session, error) { return nil, dbErr },
			wantErr: dbErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingMetrics{}
			g := NewGateway(&mockIdentities{},
				&mockSessions{refreshFn: tt.refresh},
				newTestIssuer(t),
				&mockUsers{findByIDFn: tt.findUser},
				WithMetrics(rec),
			)

			_, err := g.Refresh(context.Background(), "rt")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if m := rec.last(); m != "refresh:failure" {
				t.Errorf("metric = %q, want refresh:failure", m)
			}
		})
	}
}

// TestGateway_Authenticate はアクセストークンとセッションの検証を確認する。
func TestGateway_Authenticate(t *testing.T) {
	issuer := newTestIssuer(t)
	accessToken, err := issuer.Mint("user-1", "alice@example.com", "session-1")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	tests := []struct {
		name        string
		token       string
		requireLive bool
		session     *model.Session
		wantErr     error
		wantLookup  bool
	}{
		{name: "stateless", token: accessToken, requireLive: false},
		{name: "invalid token", token: "garbage", requireLive: true, wantErr: model.ErrInvalidCredential},
		{
			name: "live session", token: accessToken, requireLive: true, wantLookup: true,
			session: &model.Session{ID: "session-1", UserID: "user-1", IsActive: true},
		},
		{name: "revoked session", token: accessToken, requireLive: true, wantLookup: true, wantErr: model.ErrUnauthorized},
		{
			name: "session of another user", token: accessToken, requireLive: true, wantLookup: true,
			session: &model.Session{ID: "session-1", UserID: "user-2", IsActive: true},
			wantErr: model.ErrUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			looked := false
			g := NewGateway(&mockIdentities{}, &mockSessions{
				findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
					looked = true
					if id != "session-1" {
						t.Errorf("FindByID id = %q, want session-1", id)
					}
					return tt.session, nil
				},
			}, issuer, &mockUsers{})

			claims, err := g.Authenticate(context.Background(), tt.token, tt.requireLive)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
			} else {
				if err != nil {
					t.Fatalf("Authenticate returned error: %v", err)
				}
				if claims.UserID() != "user-1" {
					t.Errorf("UserID = %q, want user-1", claims.UserID())
				}
			}
			if looked != tt.wantLookup {
				t.Errorf("session lookup = %v, want %v", looked, tt.wantLookup)
			}
		})
	}
}

// TestGateway_Logout は現在のセッションIDで失効させることを検証する。
func TestGateway_Logout(t *testing.T) {
	var revoked string
	g := NewGateway(&mockIdentities{}, &mockSessions{
		revokeByIDFn: func(ctx context.Context, id string) error {
			revoked = id
			return nil
		},
	}, newTestIssuer(t), &mockUsers{})

	claims := &token.Claims{SessionID: "session-7"}
	claims.Subject = "user-1"
	if err := g.Logout(context.Background(), claims); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}
	if revoked != "session-7" {
		t.Errorf("revoked = %q, want session-7", revoked)
	}

	if err := g.Logout(context.Background(), nil); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("Logout(nil) error = %v, want ErrUnauthorized", err)
	}
}

// TestGateway_LogoutAll はユーザーの全セッションを失効させることを検証する。
func TestGateway_LogoutAll(t *testing.T) {
	var gotUser string
	g := NewGateway(&mockIdentities{}, &mockSessions{
		revokeAllFn: func(ctx context.Context, userID string) (int64, error) {
			gotUser = userID
			return 3, nil
		},
	}, newTestIssuer(t), &mockUsers{})

	claims := &token.Claims{SessionID: "session-1"}
	claims.Subject = "user-1"
	n, err := g.LogoutAll(context.Background(), claims)
	if err != nil {
		t.Fatalf("LogoutAll returned error: %v", err)
	}
	if n != 3 || gotUser != "user-1" {
		t.Errorf("LogoutAll = (%d, %q), want (3, user-1)", n, gotUser)
	}
}
