package gateway

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/rahul/concierge/internal/agent"
)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop
	Start() error
	// Send sends a message to a chat, addressed by the gateway's native id
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

const (
	msgTrouble   = "I'm having trouble thinking right now..."
	msgCancelled = "Okay, nothing is running anymore."
)

// SessionID namespaces a native chat id by gateway, e.g. "tg:12345".
func SessionID(prefix, chatID string) string {
	return prefix + ":" + chatID
}

// dispatch turns one chat message into a reply. Commands are handled here
// so every gateway understands the same ones.
func dispatch(ctx context.Context, brain agent.Brain, in agent.Inbound) agent.Reply {
	switch strings.ToLower(strings.TrimSpace(in.Text)) {
	case "/cancel", "!cancel":
		if err := brain.EndSession(ctx, in.SessionID); err != nil {
			log.Printf("Error ending session %s: %v", in.SessionID, err)
			return agent.Reply{Text: msgTrouble}
		}
		return agent.Reply{Text: msgCancelled}
	}

	reply, err := brain.HandleMessage(ctx, in)
	if err != nil {
		log.Printf("Error thinking: %v", err)
		return agent.Reply{Text: msgTrouble}
	}
	return reply
}

// Router delivers to whichever gateway owns a session id. It is the
// Messenger used by the scheduler and the chat.send capability.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Messenger
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]Messenger)}
}

func (r *Router) Add(prefix string, m Messenger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[prefix] = m
}

func (r *Router) Send(sessionID string, text string) error {
	prefix, chatID, ok := strings.Cut(sessionID, ":")
	if !ok || chatID == "" {
		return fmt.Errorf("session id %q has no gateway prefix", sessionID)
	}
	r.mu.RLock()
	m := r.routes[prefix]
	r.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("no gateway for %q", prefix)
	}
	return m.Send(chatID, text)
}

// Stop shuts down every registered gateway.
func (r *Router) Stop() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, m := range r.routes {
		if err := m.Stop(); err != nil {
			log.Printf("Error stopping %s gateway: %v", prefix, err)
		}
	}
}
