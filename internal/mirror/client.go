// Package mirror はタイムラインサービス（Mirror API）のRESTクライアントを提供する。
// カード・添付ファイル・連絡先・購読・位置情報の操作と、複数ユーザー宛ての一括挿入を含む。
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	userAgent = "Glassware/1.0"
	// maxResponseSize はレスポンスボディの読み取り上限（添付画像を含む）。
	maxResponseSize = 10 << 20
)

// ErrCircuitOpen はサーキットブレーカーが開いており呼び出しが拒否されたことを示す。
var ErrCircuitOpen = errors.New("mirror: circuit breaker is open")

// APIError はMirror APIが2xx以外のステータスを返したことを示す。
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mirror API returned status %d: %s", e.StatusCode, e.Message)
}

// response はブレーカー越しに受け渡すレスポンス。
type response struct {
	body        []byte
	contentType string
}

// Client は1ユーザーの認可情報に紐づいたMirror APIクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
	uploadURL  string
	breaker    *gobreaker.CircuitBreaker[*response]
	logger     *slog.Logger
	onCall     func(operation, outcome string)
}

// GetTimelineItem はカードを取得する。
func (c *Client) GetTimelineItem(ctx context.Context, id string) (*TimelineItem, error) {
	var item TimelineItem
	if err := c.doJSON(ctx, "timeline.get", http.MethodGet, c.baseURL+"/timeline/"+url.PathEscape(id), nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// InsertTimelineItem はカードを挿入する。
func (c *Client) InsertTimelineItem(ctx context.Context, item *TimelineItem) (*TimelineItem, error) {
	var created TimelineItem
	if err := c.doJSON(ctx, "timeline.insert", http.MethodPost, c.baseURL+"/timeline", item, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// InsertTimelineItemWithMedia はバイナリ添付付きのカードをmultipart/relatedでアップロードする。
func (c *Client) InsertTimelineItemWithMedia(ctx context.Context, item *TimelineItem, contentType string, media []byte) (*TimelineItem, error) {
	metadata, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("カードのエンコードに失敗しました: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := mw.CreatePart(metaHeader)
	if err != nil {
		return nil, fmt.Errorf("multipartの生成に失敗しました: %w", err)
	}
	if _, err := part.Write(metadata); err != nil {
		return nil, fmt.Errorf("multipartの生成に失敗しました: %w", err)
	}

	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", contentType)
	part, err = mw.CreatePart(mediaHeader)
	if err != nil {
		return nil, fmt.Errorf("multipartの生成に失敗しました: %w", err)
	}
	if _, err := part.Write(media); err != nil {
		return nil, fmt.Errorf("multipartの生成に失敗しました: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("multipartの生成に失敗しました: %w", err)
	}

	resp, err := c.execute(ctx, "timeline.insert_media", http.MethodPost,
		c.uploadURL+"/timeline?uploadType=multipart",
		"multipart/related; boundary="+mw.Boundary(), buf.Bytes())
	if err != nil {
		return nil, err
	}

	var created TimelineItem
	if err := decode(resp.body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetAttachment は添付ファイルの内容とContent-Typeを取得する。
func (c *Client) GetAttachment(ctx context.Context, itemID, attachmentID string) ([]byte, string, error) {
	endpoint := fmt.Sprintf("%s/timeline/%s/attachments/%s?alt=media",
		c.baseURL, url.PathEscape(itemID), url.PathEscape(attachmentID))
	resp, err := c.execute(ctx, "attachments.get", http.MethodGet, endpoint, "", nil)
	if err != nil {
		return nil, "", err
	}
	return resp.body, resp.contentType, nil
}

// GetLocation は位置情報を取得する。idには通常 "latest" が指定される。
func (c *Client) GetLocation(ctx context.Context, id string) (*Location, error) {
	var loc Location
	if err := c.doJSON(ctx, "locations.get", http.MethodGet, c.baseURL+"/locations/"+url.PathEscape(id), nil, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

// InsertContact は連絡先を登録する。
func (c *Client) InsertContact(ctx context.Context, contact *Contact) (*Contact, error) {
	var created Contact
	if err := c.doJSON(ctx, "contacts.insert", http.MethodPost, c.baseURL+"/contacts", contact, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteContact は連絡先を削除する。
func (c *Client) DeleteContact(ctx context.Context, id string) error {
	return c.doJSON(ctx, "contacts.delete", http.MethodDelete, c.baseURL+"/contacts/"+url.PathEscape(id), nil, nil)
}

// ListSubscriptions は購読の一覧を取得する。
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var list subscriptionsListResponse
	if err := c.doJSON(ctx, "subscriptions.list", http.MethodGet, c.baseURL+"/subscriptions", nil, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// InsertSubscription は購読を登録する。
func (c *Client) InsertSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	var created Subscription
	if err := c.doJSON(ctx, "subscriptions.insert", http.MethodPost, c.baseURL+"/subscriptions", sub, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteSubscription は購読を削除する。
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	return c.doJSON(ctx, "subscriptions.delete", http.MethodDelete, c.baseURL+"/subscriptions/"+url.PathEscape(id), nil, nil)
}

// doJSON はJSONリクエストを送信し、レスポンスをoutにデコードする。
func (c *Client) doJSON(ctx context.Context, op, method, endpoint string, in, out any) error {
	var (
		body        []byte
		contentType string
	)
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: リクエストのエンコードに失敗しました: %w", op, err)
		}
		body = b
		contentType = "application/json; charset=UTF-8"
	}

	resp, err := c.execute(ctx, op, method, endpoint, contentType, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(resp.body, out)
}

// execute はサーキットブレーカー越しにHTTPリクエストを実行する。
// 4xxはブレーカーの失敗として数えない。
func (c *Client) execute(ctx context.Context, op, method, endpoint, contentType string, body []byte) (*response, error) {
	resp, err := c.breaker.Execute(func() (*response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
		if err != nil {
			return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
		}
		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return nil, &APIError{StatusCode: httpResp.StatusCode, Message: errorMessage(data)}
		}
		return &response{body: data, contentType: httpResp.Header.Get("Content-Type")}, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.record(op, "rejected")
			return nil, fmt.Errorf("%s: %w", op, ErrCircuitOpen)
		}
		c.record(op, "failure")
		c.logger.Error("Mirror APIの呼び出しに失敗しました",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	c.record(op, "success")
	return resp, nil
}

func (c *Client) record(op, outcome string) {
	if c.onCall != nil {
		c.onCall(op, outcome)
	}
}

func decode(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// errorMessage はGoogle API形式のエラーボディからメッセージを取り出す。
func errorMessage(data []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	msg := string(data)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// isSuccessful はブレーカーの成否判定。クライアント起因の4xxは成功扱いにする。
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
	}
	return false
}
