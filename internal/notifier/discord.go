package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"xrplalerts/internal/models"
)

var discordWebhookRe = regexp.MustCompile(`^https://discord(app)?\.com/api/webhooks/\d+/[\w-]+$`)

// Discord embed hard limits.
const (
	discordMaxFields      = 25
	discordMaxDescription = 4096
	descriptionTruncateAt = 200
)

// activityColors is the embed accent per activity type.
var activityColors = map[models.ActivityType]int{
	models.ActivityMint:           0x2ecc71, // green
	models.ActivitySale:           0xf1c40f, // gold
	models.ActivityOfferCreated:   0x3498db, // blue
	models.ActivityOfferAccepted:  0xf1c40f,
	models.ActivityOfferCancelled: 0x95a5a6, // grey
	models.ActivityTransfer:       0x9b59b6, // purple
	models.ActivityBurn:           0xe74c3c, // red
}

var activityEmoji = map[models.ActivityType]string{
	models.ActivityMint:           "✨",
	models.ActivitySale:           "💰",
	models.ActivityOfferCreated:   "📤",
	models.ActivityOfferAccepted:  "🤝",
	models.ActivityOfferCancelled: "🚫",
	models.ActivityTransfer:       "🔁",
	models.ActivityBurn:           "🔥",
}

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Thumbnail   *discordThumbnail   `json:"thumbnail,omitempty"`
	Timestamp   string              `json:"timestamp"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordThumbnail struct {
	URL string `json:"url"`
}

type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

// DiscordSender posts embeds to per-alert webhook URLs. One shared limiter
// keeps a burst of matches under Discord's webhook rate limit.
type DiscordSender struct {
	client  *http.Client
	limiter *rate.Limiter
}

func NewDiscordSender(timeout time.Duration) *DiscordSender {
	return &DiscordSender{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

func (s *DiscordSender) Send(ctx context.Context, p Payload) (SendResult, error) {
	cfg := p.Notification.ChannelConfig.Discord
	if cfg == nil {
		return SendResult{}, permanentf("discord channel config missing")
	}
	// Validated before any network call.
	if !discordWebhookRe.MatchString(cfg.WebhookURL) {
		return SendResult{}, permanentf("invalid Discord webhook URL")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return SendResult{}, err
	}

	msg := buildDiscordMessage(p, cfg.Mentions)
	body, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode discord message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("post discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return SendResult{}, &SendError{
			RetryAfter: retryAfterDuration(resp),
			Err:        fmt.Errorf("discord rate limited"),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return SendResult{}, &SendError{Permanent: true, Err: err}
		}
		return SendResult{}, err
	}
	return SendResult{MessageID: resp.Header.Get("X-Message-Id")}, nil
}

func buildDiscordMessage(p Payload, mentions []string) discordMessage {
	a := p.Detail.Activity
	embed := discordEmbed{
		Title:     fmt.Sprintf("%s %s", activityEmoji[a.ActivityType], strings.ToUpper(string(a.ActivityType))),
		Color:     activityColors[a.ActivityType],
		Timestamp: a.Timestamp.UTC().Format(time.RFC3339),
	}

	if name := p.nftName(); name != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "NFT", Value: name, Inline: true})
	}
	if coll := p.collectionName(); coll != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "Collection", Value: coll, Inline: true})
	}
	if a.FromAddress != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "From", Value: "`" + a.FromAddress + "`", Inline: true})
	}
	if a.ToAddress != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "To", Value: "`" + a.ToAddress + "`", Inline: true})
	}
	if xrp := PriceXRP(a.PriceDrops, a.Currency); xrp != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "Price", Value: xrp + " XRP", Inline: true})
	} else if a.PriceDrops != "" {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: "Price", Value: a.PriceDrops + " " + a.Currency, Inline: true})
	}
	embed.Fields = append(embed.Fields, discordEmbedField{Name: "Transaction", Value: "`" + a.TransactionHash + "`"})
	if len(embed.Fields) > discordMaxFields {
		embed.Fields = embed.Fields[:discordMaxFields]
	}

	if p.Detail.NFT != nil {
		if desc := metadataString(p.Detail.NFT.Metadata, "description"); desc != "" {
			if len(desc) > descriptionTruncateAt {
				desc = truncateAt(desc, descriptionTruncateAt) + "…"
			}
			embed.Description = desc
		}
		if img := imageURL(p.Detail.NFT); img != "" && strings.HasPrefix(img, "http") {
			embed.Thumbnail = &discordThumbnail{URL: img}
		}
	}
	embed.Description = truncateAt(embed.Description, discordMaxDescription)

	return discordMessage{
		Content: strings.Join(mentions, " "),
		Embeds:  []discordEmbed{embed},
	}
}

// truncateAt cuts s to at most max bytes without splitting a rune.
func truncateAt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func retryAfterDuration(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}
