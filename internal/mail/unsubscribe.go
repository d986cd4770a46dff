package mail

import (
	"net/url"
	"strings"
)

// UnsubscribePlaceholder is replaced in place when a campaign body carries it.
const UnsubscribePlaceholder = "{{unsubscribe_url}}"

type Links struct {
	SiteURL string
}

func (l Links) UnsubscribeURL(token, campaignID string) string {
	q := url.Values{}
	q.Set("token", token)
	if campaignID != "" {
		q.Set("campaign", campaignID)
	}
	return strings.TrimRight(l.SiteURL, "/") + "/unsubscribe?" + q.Encode()
}

// AddUnsubscribeLink embeds the recipient's unsubscribe link. Bodies without the placeholder get a
// footer, placed before </body> when there is one.
func (l Links) AddUnsubscribeLink(html, token, campaignID string) string {
	link := l.UnsubscribeURL(token, campaignID)
	if strings.Contains(html, UnsubscribePlaceholder) {
		return strings.ReplaceAll(html, UnsubscribePlaceholder, link)
	}

	footer := `<p style="font-size:12px;color:#666;text-align:center">` +
		`You are receiving this because you subscribed to our newsletter. ` +
		`<a href="` + link + `">Unsubscribe</a></p>`

	if i := lastIndexFold(html, "</body>"); i >= 0 {
		return html[:i] + footer + html[i:]
	}
	return html + footer
}

// lastIndexFold is strings.LastIndex with ASCII case folding. It works on raw bytes so offsets stay
// valid for bodies that are not well-formed UTF-8; sub must be lower-case ASCII.
func lastIndexFold(s, sub string) int {
	for i := len(s) - len(sub); i >= 0; i-- {
		match := true
		for j := 0; j < len(sub); j++ {
			c := s[i+j]
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
