package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Felixdiamond/growth-hub/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// TestSubjectPrefix marks manual test sends.
const TestSubjectPrefix = "[TEST] "

// Composer renders the service's emails.
type Composer struct {
	siteURL        string
	from           string
	newsletterFrom string
}

// NewComposer creates a Composer. from is used for video notifications,
// newsletterFrom for verification mail.
func NewComposer(siteURL, from, newsletterFrom string) *Composer {
	return &Composer{
		siteURL:        strings.TrimRight(siteURL, "/"),
		from:           from,
		newsletterFrom: newsletterFrom,
	}
}

type notificationData struct {
	Video          model.Video
	UnsubscribeURL string
	Test           bool
}

// Notification renders the new-video email for one recipient.
func (c *Composer) Notification(v model.Video, recipient string) (Message, error) {
	return c.notification(v, recipient, false)
}

// Test renders the new-video email for a manual test send.
func (c *Composer) Test(v model.Video, recipient string) (Message, error) {
	return c.notification(v, recipient, true)
}

func (c *Composer) notification(v model.Video, recipient string, test bool) (Message, error) {
	html, err := render("notification.html", notificationData{
		Video:          v,
		UnsubscribeURL: c.UnsubscribeURL(recipient),
		Test:           test,
	})
	if err != nil {
		return Message{}, err
	}

	subject := "🎥 New Video: " + v.Title
	if test {
		subject = TestSubjectPrefix + subject
	}
	return c.message(c.from, recipient, subject, html)
}

// Verification renders the double opt-in email.
func (c *Composer) Verification(recipient, token string) (Message, error) {
	html, err := render("verification.html", struct{ VerifyURL string }{c.VerifyURL(token)})
	if err != nil {
		return Message{}, err
	}
	return c.message(c.newsletterFrom, recipient, "🚀 Verify your Growth Hub subscription", html)
}

// UnsubscribeURL is the one-click unsubscribe link for email.
func (c *Composer) UnsubscribeURL(email string) string {
	return c.siteURL + "/api/newsletter/unsubscribe?email=" + url.QueryEscape(email)
}

// VerifyURL is the link that redeems a verification token.
func (c *Composer) VerifyURL(token string) string {
	return c.siteURL + "/api/newsletter/verify?token=" + url.QueryEscape(token)
}

func (c *Composer) message(from, to, subject, html string) (Message, error) {
	text, err := PlainText(html)
	if err != nil {
		return Message{}, err
	}
	return Message{From: from, To: to, Subject: subject, HTML: html, Text: text}, nil
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// PlainText derives a text alternative from an HTML body. Links keep their
// target in angle brackets after the link text.
func PlainText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("head, style, script, img").Remove()
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		label := strings.TrimSpace(s.Text())
		if label == "" {
			s.SetText(href)
			return
		}
		s.SetText(label + " <" + href + ">")
	})
	doc.Find("p, h1, h2, div, br, hr").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	var lines []string
	for _, line := range strings.Split(doc.Find("body").Text(), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}
