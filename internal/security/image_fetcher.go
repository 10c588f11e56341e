package security

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// URLValidator は取得前にURLを検証する。*SSRFGuardが満たす。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// ImageFetcher はカードに添付する外部画像を取得する。
// 取得前にURLを静的検証し、レスポンスサイズに上限を設ける。
type ImageFetcher struct {
	guard   URLValidator
	client  *http.Client
	maxSize int64
}

// NewImageFetcher はImageFetcherを生成する。
// clientには通常guard.NewSafeClientで生成したクライアントを渡す。
func NewImageFetcher(guard URLValidator, client *http.Client, maxSize int64) *ImageFetcher {
	return &ImageFetcher{guard: guard, client: client, maxSize: maxSize}
}

// Fetch は画像を取得し、内容とContent-Typeを返す。
// Content-Typeが返されない場合は image/jpeg とみなす。
func (f *ImageFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if f.guard != nil {
		if err := f.guard.ValidateURL(rawURL); err != nil {
			return nil, "", fmt.Errorf("画像URLが不正です: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Glassware/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("画像の取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("画像の取得でステータス %d が返されました", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("画像の読み取りに失敗しました: %w", err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, "", fmt.Errorf("画像サイズが上限 %d バイトを超えています", f.maxSize)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return data, contentType, nil
}
