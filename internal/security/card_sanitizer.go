package security

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// imageDimension はimgのwidth/heightとして許可する値（ピクセル数またはパーセント）。
var imageDimension = regexp.MustCompile(`^[0-9]+%?$`)

// CardSanitizerService はタイムラインカードに埋め込むHTMLのサニタイズ機能を定義する。
// 管理画面から入力された文字列をカードHTMLへ埋め込む前に使用する。
type CardSanitizerService interface {
	// Text は入力からすべてのタグを除去し、HTMLとして安全な文字列を返す。
	Text(raw string) string

	// Sanitize はカード用の許可リストに従ってHTMLをサニタイズする。
	// 許可タグ: article, section, figure, footer, div, p, span, b, strong, em, br, img
	// class属性はブロック要素のみ、imgはhttp/httpsのsrcとwidth/heightのみ許可する。
	Sanitize(rawHTML string) string
}

// cardSanitizer はCardSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなので共有してよい。
type cardSanitizer struct {
	strict *bluemonday.Policy
	card   *bluemonday.Policy
}

// NewCardSanitizer はCardSanitizerServiceの新しいインスタンスを生成する。
func NewCardSanitizer() *cardSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"article", "section", "figure", "footer",
		"div", "p", "span", "b", "strong", "em", "br",
	)
	p.AllowAttrs("class").OnElements("article", "section", "figure", "footer", "div", "p", "span")

	p.AllowAttrs("src").OnElements("img")
	p.AllowAttrs("width", "height").Matching(imageDimension).OnElements("img")
	p.AllowURLSchemes("http", "https")

	return &cardSanitizer{
		strict: bluemonday.StrictPolicy(),
		card:   p,
	}
}

// Text は入力からすべてのタグを除去する。
func (s *cardSanitizer) Text(raw string) string {
	return s.strict.Sanitize(raw)
}

// Sanitize はカード用ポリシーでHTMLをサニタイズする。
func (s *cardSanitizer) Sanitize(rawHTML string) string {
	return s.card.Sanitize(rawHTML)
}
