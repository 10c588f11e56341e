package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"

	"github.com/hitoshi/glassware/internal/credential"
	"github.com/hitoshi/glassware/internal/model"
)

// FactoryConfig はFactoryの設定。
type FactoryConfig struct {
	// BaseURL はMirror APIのベースURL（例: https://www.googleapis.com/mirror/v1）。
	BaseURL string
	// BatchURL は一括リクエストのエンドポイント。
	BatchURL string
	// Timeout は1回のHTTP呼び出しのタイムアウト。
	Timeout time.Duration
	// OnCall はAPI呼び出しごとに操作名と結果（success/failure/rejected）を受け取る。
	OnCall func(operation, outcome string)
	// OnTokenRefresh はアクセストークンが更新されたときに呼ばれる。
	OnTokenRefresh func(ctx context.Context, userID string, tok *oauth2.Token)
}

// Factory はユーザーごとのClientを生成する。
// サーキットブレーカーとHTTPトランスポートは全Clientで共有する。
type Factory struct {
	oauth     *oauth2.Config
	cfg       FactoryConfig
	uploadURL string
	baseHTTP  *http.Client
	breaker   *gobreaker.CircuitBreaker[*response]
	logger    *slog.Logger
}

// NewFactory はFactoryを生成する。
func NewFactory(oauthCfg *oauth2.Config, cfg FactoryConfig, logger *slog.Logger) *Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	breaker := gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "mirror-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: isSuccessful,
	})

	return &Factory{
		oauth:     oauthCfg,
		cfg:       cfg,
		uploadURL: uploadBase(cfg.BaseURL),
		baseHTTP:  &http.Client{Timeout: cfg.Timeout},
		breaker:   breaker,
		logger:    logger,
	}
}

// ForCredential は認可情報に紐づいたClientを生成する。
// アクセストークンの期限が切れている場合はリフレッシュトークンで自動更新される。
func (f *Factory) ForCredential(ctx context.Context, cred *model.Credential) *Client {
	httpClient := oauth2.NewClient(f.oauthContext(ctx), f.tokenSource(ctx, cred))
	httpClient.Timeout = f.cfg.Timeout

	return &Client{
		httpClient: httpClient,
		baseURL:    f.cfg.BaseURL,
		uploadURL:  f.uploadURL,
		breaker:    f.breaker,
		logger:     f.logger,
		onCall:     f.cfg.OnCall,
	}
}

// TokenFor は有効なアクセストークンを返す。必要に応じてリフレッシュする。
func (f *Factory) TokenFor(ctx context.Context, cred *model.Credential) (*oauth2.Token, error) {
	tok, err := f.tokenSource(ctx, cred).Token()
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの取得に失敗しました: %w", err)
	}
	return tok, nil
}

// NewBatch は一括挿入リクエストを生成する。
func (f *Factory) NewBatch() *Batch {
	return &Batch{factory: f}
}

func (f *Factory) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.baseHTTP)
}

func (f *Factory) tokenSource(ctx context.Context, cred *model.Credential) oauth2.TokenSource {
	initial := credential.Token(cred)
	return &refreshNotifyingSource{
		ctx:       ctx,
		userID:    cred.UserID,
		src:       f.oauth.TokenSource(f.oauthContext(ctx), initial),
		last:      initial.AccessToken,
		onRefresh: f.cfg.OnTokenRefresh,
	}
}

// refreshNotifyingSource はトークンが更新されたときにフックを呼ぶTokenSource。
type refreshNotifyingSource struct {
	ctx       context.Context
	userID    string
	src       oauth2.TokenSource
	onRefresh func(ctx context.Context, userID string, tok *oauth2.Token)

	mu   sync.Mutex
	last string
}

func (s *refreshNotifyingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()

	if changed && s.onRefresh != nil {
		s.onRefresh(s.ctx, s.userID, tok)
	}
	return tok, nil
}

// uploadBase はメディアアップロード用のベースURLを返す。
// https://host/mirror/v1 → https://host/upload/mirror/v1
func uploadBase(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	u.Path = "/upload" + u.Path
	return strings.TrimRight(u.String(), "/")
}
