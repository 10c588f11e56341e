package command

import (
	"html"
	"strings"

	"github.com/hitoshi/glassware/internal/mirror"
)

const (
	remindMeText      = "Remind Me"
	actionCardText    = "Tell me what you had for lunch :)"
	broadcastText     = "Hello Everyone!"
	broadcastCanonURL = "http://hello.com/"

	homeIconPath  = "/static/images/1-Normal-Home-icon.png"
	workIconPath  = "/static/images/Briefcase.png"
	drillIconPath = "/static/images/drill.png"
)

func defaultNotification() *mirror.NotificationConfig {
	return &mirror.NotificationConfig{Level: mirror.NotificationLevelDefault}
}

// newsCard は管理画面から入力されたメッセージのカードを組み立てる。
// 入力文字列はタグを除去してからHTMLに埋め込み、最後にカード用ポリシーで全体をサニタイズする。
func (e *Executor) newsCard(p Params) *mirror.TimelineItem {
	item := &mirror.TimelineItem{
		MenuItems:    []mirror.MenuItem{{Action: mirror.ActionReadAloud}},
		Notification: defaultNotification(),
	}
	if p.Message == "" {
		return item
	}

	item.Text = p.Message
	if p.FullMessage != "" {
		item.Text = p.FullMessage
	}
	item.CanonicalURL = p.CanonicalURL
	item.Title = e.cfg.ContactName

	var b strings.Builder
	b.WriteString("<article class=\"photo\">\n")
	if p.ImageURL != "" {
		b.WriteString("<div class=\"photo-overlay\"></div>\n")
		b.WriteString(`<img src="` + html.EscapeString(p.ImageURL) + `" width="100%" height="100%">` + "\n")
	}
	b.WriteString("<section>\n")
	b.WriteString(`<p class="text-auto-size"><b>` + e.sanitizer.Text(p.Message) + "</b></p>\n")
	b.WriteString("</section>\n")
	if p.Publication != "" {
		b.WriteString("<footer><div>" + e.sanitizer.Text(p.Publication) + "</div></footer>\n")
	}
	b.WriteString("</article>")

	item.HTML = e.sanitizer.Sanitize(b.String())
	return item
}

// remindMeCard は位置タグ用のカスタムメニューを持つカードを組み立てる。
func (e *Executor) remindMeCard() *mirror.TimelineItem {
	return &mirror.TimelineItem{
		Title: e.cfg.ContactName,
		Text:  remindMeText,
		MenuItems: []mirror.MenuItem{
			{Action: mirror.ActionReply},
			e.customMenu("athome", "At Home", homeIconPath),
			e.customMenu("atwork", "At Work", workIconPath),
			e.customMenu("showhome", "Show Home", homeIconPath),
			e.customMenu("showwork", "Show Work", workIconPath),
			{Action: mirror.ActionTogglePinned},
			{Action: mirror.ActionDelete},
		},
		Notification: defaultNotification(),
	}
}

// actionCard はdrillメニューを持つカードを組み立てる。
func (e *Executor) actionCard() *mirror.TimelineItem {
	return &mirror.TimelineItem{
		Text: actionCardText,
		MenuItems: []mirror.MenuItem{
			{Action: mirror.ActionReply},
			{Action: mirror.ActionReadAloud},
			e.customMenu("drill", "Drill In", drillIconPath),
		},
		Notification: defaultNotification(),
	}
}

func (e *Executor) customMenu(id, displayName, iconPath string) mirror.MenuItem {
	return mirror.MenuItem{
		ID:     id,
		Action: mirror.ActionCustom,
		Values: []mirror.MenuValue{{DisplayName: displayName, IconURL: e.cfg.BaseURL + iconPath}},
	}
}

func broadcastCard() *mirror.TimelineItem {
	return &mirror.TimelineItem{
		Text:         broadcastText,
		CanonicalURL: broadcastCanonURL,
	}
}
