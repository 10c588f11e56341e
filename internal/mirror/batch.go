package mirror

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hitoshi/glassware/internal/model"
)

// errNoBatchResponse は一括レスポンスに対応する応答パートがなかったことを示す。
var errNoBatchResponse = errors.New("mirror: no response part for batch request")

// InsertCallback は一括挿入の1件ごとの結果を受け取る。
type InsertCallback func(item *TimelineItem, err error)

type batchRequest struct {
	contentID   string
	accessToken string
	item        *TimelineItem
	callback    InsertCallback
}

// Batch は複数ユーザー宛てのカード挿入を1回のHTTPリクエストにまとめる。
// 各リクエストは宛先ユーザーのアクセストークンで認可される。
// コールバックはExecute内で応答パートの順に逐次呼ばれる。
type Batch struct {
	factory  *Factory
	requests []batchRequest
}

// QueueInsert はユーザー宛てのカード挿入をキューに追加する。
// アクセストークンを取得できない場合はキューに追加せずエラーを返す。
func (b *Batch) QueueInsert(ctx context.Context, cred *model.Credential, item *TimelineItem, cb InsertCallback) error {
	tok, err := b.factory.TokenFor(ctx, cred)
	if err != nil {
		return err
	}
	b.requests = append(b.requests, batchRequest{
		contentID:   uuid.NewString(),
		accessToken: tok.AccessToken,
		item:        item,
		callback:    cb,
	})
	return nil
}

// Len はキュー済みリクエスト数を返す。
func (b *Batch) Len() int {
	return len(b.requests)
}

// Execute はキュー済みリクエストを送信し、各コールバックを呼び出す。
// 送信自体が失敗した場合は全コールバックにそのエラーを渡す。
func (b *Batch) Execute(ctx context.Context, client *Client) error {
	if len(b.requests) == 0 {
		return nil
	}

	body, contentType, err := b.encode()
	if err != nil {
		b.failAll(err)
		return err
	}

	resp, err := client.execute(ctx, "timeline.batch_insert", http.MethodPost, b.factory.cfg.BatchURL, contentType, body)
	if err != nil {
		b.failAll(err)
		return err
	}

	answered, err := b.dispatch(resp)
	for _, req := range b.requests {
		if answered[req.contentID] {
			continue
		}
		cbErr := errNoBatchResponse
		if err != nil {
			cbErr = err
		}
		req.callback(nil, cbErr)
	}
	if err != nil {
		return fmt.Errorf("一括レスポンスの解析に失敗しました: %w", err)
	}
	return nil
}

// encode はmultipart/mixed形式のリクエストボディを生成する。
func (b *Batch) encode() ([]byte, string, error) {
	insertPath := "/timeline"
	if u, err := url.Parse(b.factory.cfg.BaseURL); err == nil {
		insertPath = u.Path + "/timeline"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, req := range b.requests {
		payload, err := json.Marshal(req.item)
		if err != nil {
			return nil, "", fmt.Errorf("カードのエンコードに失敗しました: %w", err)
		}

		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/http")
		header.Set("Content-Transfer-Encoding", "binary")
		header.Set("Content-ID", "<"+req.contentID+">")
		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("multipartの生成に失敗しました: %w", err)
		}

		fmt.Fprintf(part, "POST %s HTTP/1.1\r\n", insertPath)
		fmt.Fprintf(part, "Content-Type: application/json; charset=UTF-8\r\n")
		fmt.Fprintf(part, "Authorization: Bearer %s\r\n", req.accessToken)
		fmt.Fprintf(part, "Content-Length: %d\r\n\r\n", len(payload))
		if _, err := part.Write(payload); err != nil {
			return nil, "", fmt.Errorf("multipartの生成に失敗しました: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("multipartの生成に失敗しました: %w", err)
	}
	return buf.Bytes(), "multipart/mixed; boundary=" + mw.Boundary(), nil
}

// dispatch は一括レスポンスを解析してコールバックを呼び出す。
// 戻り値はコールバック済みのContent-ID集合。
func (b *Batch) dispatch(resp *response) (map[string]bool, error) {
	answered := make(map[string]bool, len(b.requests))
	byID := make(map[string]batchRequest, len(b.requests))
	for _, req := range b.requests {
		byID[req.contentID] = req
	}

	mediaType, params, err := mime.ParseMediaType(resp.contentType)
	if err != nil {
		return answered, fmt.Errorf("Content-Typeの解析に失敗しました: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return answered, fmt.Errorf("想定外のContent-Typeです: %s", mediaType)
	}

	mr := multipart.NewReader(bytes.NewReader(resp.body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return answered, nil
		}
		if err != nil {
			return answered, err
		}

		id := parseContentID(part.Header.Get("Content-ID"))
		req, ok := byID[id]
		if !ok || answered[id] {
			b.factory.logger.Warn("対応するリクエストのない応答パートを無視します",
				slog.String("content_id", id),
			)
			continue
		}

		item, itemErr := readPartResponse(part)
		answered[id] = true
		req.callback(item, itemErr)
	}
}

func (b *Batch) failAll(err error) {
	for _, req := range b.requests {
		req.callback(nil, err)
	}
}

// readPartResponse は応答パートに埋め込まれたHTTPレスポンスを読み取る。
func readPartResponse(part io.Reader) (*TimelineItem, error) {
	httpResp, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		return nil, fmt.Errorf("応答パートの解析に失敗しました: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("応答パートの読み取りに失敗しました: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: httpResp.StatusCode, Message: errorMessage(data)}
	}

	var item TimelineItem
	if err := decode(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// parseContentID は "<response-ID>" 形式のContent-IDからIDを取り出す。
func parseContentID(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	return strings.TrimPrefix(v, "response-")
}

// BroadcastInsert は同じカードを複数ユーザーへ1回の一括リクエストで挿入し、成功数と失敗数を返す。
// 各パートは宛先ユーザーのトークンで認可されるため、外側のリクエストには認可ヘッダーを付けない。
// トークンを取得できなかったユーザーは失敗として数える。
func (f *Factory) BroadcastInsert(ctx context.Context, recipients []*model.Credential, item *TimelineItem) (success, failure int, err error) {
	batch := f.NewBatch()
	cb := func(_ *TimelineItem, err error) {
		if err != nil {
			failure++
			f.logger.Info("カードの一括挿入に失敗しました", slog.String("error", err.Error()))
			return
		}
		success++
	}

	for _, cred := range recipients {
		if err := batch.QueueInsert(ctx, cred, item, cb); err != nil {
			failure++
			f.logger.Warn("一括挿入のキュー追加に失敗しました",
				slog.String("user_id", cred.UserID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := batch.Execute(ctx, f.batchClient()); err != nil {
		return success, failure, err
	}
	return success, failure, nil
}

// batchClient は認可ヘッダーを付けないClientを返す。
func (f *Factory) batchClient() *Client {
	return &Client{
		httpClient: f.baseHTTP,
		baseURL:    f.cfg.BaseURL,
		uploadURL:  f.uploadURL,
		breaker:    f.breaker,
		logger:     f.logger,
		onCall:     f.cfg.OnCall,
	}
}
