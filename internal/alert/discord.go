package alert

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Discord posts alerts to one channel over the REST API. No gateway
// websocket is opened.
type Discord struct {
	session *discordgo.Session
	channel string
}

// NewDiscord creates a Discord sink for a bot token.
func NewDiscord(botToken, channel string) (*Discord, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channel: channel}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Post(ctx context.Context, text string) error {
	// Discord caps message content at 2000 characters.
	if len(text) > 2000 {
		text = text[:1997] + "..."
	}
	if _, err := d.session.ChannelMessageSend(d.channel, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
