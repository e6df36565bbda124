package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/model"
)

const defaultGitHubAPIURL = "https://api.github.com"

// GitHubOAuthConfig はGitHub OAuthプロバイダーの設定。
type GitHubOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
	APIURL   string

	// HTTPClient はトークン交換とAPI呼び出しに使うクライアント。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// GitHubOAuthProvider はGitHub OAuthによる認証を提供する。
// メールアドレスの検証状態は /user/emails から取得する。
type GitHubOAuthProvider struct {
	oauth  *oauth2.Config
	apiURL string
	client *http.Client
}

// NewGitHubOAuthProvider はGitHubOAuthProviderを生成する。
func NewGitHubOAuthProvider(config GitHubOAuthConfig) *GitHubOAuthProvider {
	endpoint := github.Endpoint
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	if config.APIURL == "" {
		config.APIURL = defaultGitHubAPIURL
	}

	return &GitHubOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		apiURL: config.APIURL,
		client: config.HTTPClient,
	}
}

// Name はプロバイダー名を返す。
func (p *GitHubOAuthProvider) Name() model.Provider {
	return model.ProviderGitHub
}

// GetLoginURL はGitHub OAuthの認証URLを生成する。
func (p *GitHubOAuthProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// ExchangeCode は認可コードをアクセストークンに交換し、ユーザー情報を取得する。
// メールアドレスはprimaryのものを採用し、その検証状態をEmailVerifiedとする。
func (p *GitHubOAuthProvider) ExchangeCode(ctx context.Context, code string) (*identity.ProviderProfile, error) {
	token, err := p.oauth.Exchange(withHTTPClient(ctx, p.client), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	var user githubUser
	if err := getJSON(ctx, p.client, p.apiURL+"/user", token.AccessToken, &user); err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("empty id in user response")
	}

	var emails []githubEmail
	if err := getJSON(ctx, p.client, p.apiURL+"/user/emails", token.AccessToken, &emails); err != nil {
		return nil, fmt.Errorf("failed to fetch user emails: %w", err)
	}

	email, verified := user.Email, false
	for _, e := range emails {
		if e.Primary {
			email, verified = e.Email, e.Verified
			break
		}
	}

	displayName := user.Name
	if displayName == "" {
		displayName = user.Login
	}

	return &identity.ProviderProfile{
		Provider:       model.ProviderGitHub,
		ProviderUserID: strconv.FormatInt(user.ID, 10),
		Email:          email,
		EmailVerified:  verified,
		DisplayName:    displayName,
		AvatarURL:      user.AvatarURL,
	}, nil
}

// compile-time interface check
var _ OAuthProvider = (*GitHubOAuthProvider)(nil)
