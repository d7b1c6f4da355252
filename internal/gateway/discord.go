package gateway

import (
	"context"
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"
	"github.com/rahul/concierge/internal/agent"
)

const DiscordPrefix = "dc"

// Discord caps message content at 2000 characters.
const discordMaxLen = 2000

// DiscordGateway serves one bot account. Each channel is one session.
type DiscordGateway struct {
	Session *discordgo.Session
	Brain   agent.Brain
}

func NewDiscordGateway(token string, brain agent.Brain) (*DiscordGateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	g := &DiscordGateway{Session: session, Brain: brain}
	session.AddHandler(g.handleReady)
	session.AddHandler(g.handleMessage)
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return g, nil
}

// Start opens the websocket; events are delivered to the handlers.
func (g *DiscordGateway) Start() error {
	log.Println("Starting Discord bot...")
	return g.Session.Open()
}

func (g *DiscordGateway) Stop() error {
	log.Println("Stopping Discord bot...")
	return g.Session.Close()
}

func (g *DiscordGateway) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	log.Printf("Discord bot connected as %s", r.User.Username)
}

func (g *DiscordGateway) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
		return
	}
	log.Printf("[%s] %s", m.Author.Username, m.Content)

	in := agent.Inbound{SessionID: SessionID(DiscordPrefix, m.ChannelID), Text: m.Content}
	r := dispatch(context.Background(), g.Brain, in)
	if err := g.Send(m.ChannelID, r.Text); err != nil {
		log.Printf("Error sending reply to %s: %v", m.ChannelID, err)
	}
}

func (g *DiscordGateway) Send(channelID string, text string) error {
	for _, part := range chunk(text, discordMaxLen) {
		if _, err := g.Session.ChannelMessageSend(channelID, part); err != nil {
			return err
		}
	}
	return nil
}

// chunk splits s into pieces of at most n runes.
func chunk(s string, n int) []string {
	runes := []rune(s)
	if len(runes) <= n {
		return []string{s}
	}
	var out []string
	for len(runes) > n {
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return append(out, string(runes))
}
