package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/model"
)

// maxProviderResponseSize はIdPのAPIレスポンスとして読み込む最大バイト数。
const maxProviderResponseSize = 1 << 20

// OAuthProvider は外部IdPとの認可コードフローのアダプタ。
// 同意画面やリダイレクトの交渉そのものは扱わず、URL生成とコード交換のみを行う。
type OAuthProvider interface {
	// Name はプロバイダー名を返す。
	Name() model.Provider
	// GetLoginURL はCSRF対策用のstateを含む認可URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、正規化したプロフィールを返す。
	ExchangeCode(ctx context.Context, code string) (*identity.ProviderProfile, error)
}

// withHTTPClient はoauth2のトークン交換で使うHTTPクライアントをコンテキストに設定する。
func withHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// getJSON はアクセストークン付きでIdPのAPIを呼び出し、JSONレスポンスをvに読み込む。
func getJSON(ctx context.Context, client *http.Client, url, accessToken string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
