package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"binance-grid-bot-go/internal/models"
	"github.com/go-resty/resty/v2"
)

// SettingFinder resolves the setting an event belongs to.
type SettingFinder interface {
	Find(ctx context.Context, id *uint) (*models.Setting, error)
}

// Discord posts events as embeds to the webhooks of the event's setting.
type Discord struct {
	client   *resty.Client
	settings SettingFinder
}

func NewDiscord(settings SettingFinder, timeout time.Duration) *Discord {
	return &Discord{
		client:   resty.New().SetTimeout(timeout),
		settings: settings,
	}
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, event Event) error {
	var id *uint
	if event.ConfigID != 0 {
		id = &event.ConfigID
	}
	setting, err := d.settings.Find(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to resolve discord hooks: %w", err)
	}
	hooks := setting.DiscordHooks()
	if len(hooks) == 0 {
		return nil
	}

	embed := discordEmbed{
		Title:       event.Title,
		Description: event.Message,
		Color:       event.Color(),
		Timestamp:   event.Time.UTC().Format(time.RFC3339),
	}
	if event.Symbol != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Symbol", Value: event.Symbol, Inline: true})
	}
	for _, f := range event.Fields {
		embed.Fields = append(embed.Fields, discordField{Name: f.Name, Value: f.Value, Inline: true})
	}
	payload := discordPayload{Embeds: []discordEmbed{embed}}

	var errs []error
	for _, hook := range hooks {
		resp, err := d.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(payload).
			Post(hook)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if resp.IsError() {
			errs = append(errs, fmt.Errorf("discord webhook returned %s", resp.Status()))
		}
	}
	return errors.Join(errs...)
}
