package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"
	"time"

	"xrplalerts/internal/config"
)

var emailAddressRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// EmailSender posts to a SendGrid-compatible mail API with HTML and
// plain-text alternatives.
type EmailSender struct {
	cfg    config.DispatcherConfig
	client *http.Client
}

func NewEmailSender(cfg config.DispatcherConfig) *EmailSender {
	return &EmailSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.SenderTimeout},
	}
}

type mailRequest struct {
	Personalizations []mailPersonalization `json:"personalizations"`
	From             mailAddress           `json:"from"`
	Subject          string                `json:"subject"`
	Content          []mailContent         `json:"content"`
}

type mailPersonalization struct {
	To []mailAddress `json:"to"`
}

type mailAddress struct {
	Email string `json:"email"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (s *EmailSender) Send(ctx context.Context, p Payload) (SendResult, error) {
	cfg := p.Notification.ChannelConfig.Email
	if cfg == nil {
		return SendResult{}, permanentf("email channel config missing")
	}
	if len(cfg.Recipients) == 0 {
		return SendResult{}, permanentf("email channel has no recipients")
	}
	for _, addr := range cfg.Recipients {
		if !emailAddressRe.MatchString(addr) {
			return SendResult{}, permanentf("invalid email recipient %q", addr)
		}
	}
	if s.cfg.MailAPIKey == "" {
		return SendResult{}, fmt.Errorf("mail api key not configured")
	}

	subject := cfg.Subject
	if subject == "" {
		subject = defaultSubject(p)
	}

	to := make([]mailAddress, 0, len(cfg.Recipients))
	for _, addr := range cfg.Recipients {
		to = append(to, mailAddress{Email: addr})
	}
	reqBody := mailRequest{
		Personalizations: []mailPersonalization{{To: to}},
		From:             mailAddress{Email: s.cfg.MailFrom},
		Subject:          subject,
		Content: []mailContent{
			{Type: "text/plain", Value: textBody(p)},
			{Type: "text/html", Value: htmlBody(p)},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.MailAPIURL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.MailAPIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("post mail api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return SendResult{}, &SendError{
			RetryAfter: retryAfterDuration(resp),
			Err:        fmt.Errorf("mail api rate limited"),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return SendResult{MessageID: resp.Header.Get("X-Message-Id")}, nil
}

func defaultSubject(p Payload) string {
	what := p.collectionName()
	if what == "" {
		what = p.nftName()
	}
	return fmt.Sprintf("🚨 %s Alert: %s", strings.ToUpper(string(p.Detail.Activity.ActivityType)), what)
}

func textBody(p Payload) string {
	a := p.Detail.Activity
	var b strings.Builder
	fmt.Fprintf(&b, "%s activity on the XRP Ledger\n\n", strings.ToUpper(string(a.ActivityType)))
	fmt.Fprintf(&b, "NFT: %s\n", p.nftName())
	if coll := p.collectionName(); coll != "" {
		fmt.Fprintf(&b, "Collection: %s\n", coll)
	}
	if a.FromAddress != "" {
		fmt.Fprintf(&b, "From: %s\n", a.FromAddress)
	}
	if a.ToAddress != "" {
		fmt.Fprintf(&b, "To: %s\n", a.ToAddress)
	}
	if xrp := PriceXRP(a.PriceDrops, a.Currency); xrp != "" {
		fmt.Fprintf(&b, "Price: %s XRP\n", xrp)
	}
	fmt.Fprintf(&b, "Transaction: %s\nLedger: %d\nTime: %s\n",
		a.TransactionHash, a.LedgerIndex, a.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}

func htmlBody(p Payload) string {
	a := p.Detail.Activity
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s activity on the XRP Ledger</h2>", html.EscapeString(strings.ToUpper(string(a.ActivityType))))
	b.WriteString("<table>")
	row := func(name, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "<tr><td><b>%s</b></td><td>%s</td></tr>",
			html.EscapeString(name), html.EscapeString(value))
	}
	row("NFT", p.nftName())
	row("Collection", p.collectionName())
	row("From", a.FromAddress)
	row("To", a.ToAddress)
	if xrp := PriceXRP(a.PriceDrops, a.Currency); xrp != "" {
		row("Price", xrp+" XRP")
	}
	row("Transaction", a.TransactionHash)
	row("Time", a.Timestamp.UTC().Format(time.RFC3339))
	b.WriteString("</table>")
	if img := imageURL(p.Detail.NFT); img != "" && strings.HasPrefix(img, "http") {
		fmt.Fprintf(&b, `<p><img src="%s" alt="NFT image" width="240"/></p>`, html.EscapeString(img))
	}
	return b.String()
}
