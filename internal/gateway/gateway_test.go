package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rahul/concierge/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBrain struct {
	inbound []agent.Inbound
	ended   []string
	err     error
}

func (b *fakeBrain) HandleMessage(ctx context.Context, in agent.Inbound) (agent.Reply, error) {
	b.inbound = append(b.inbound, in)
	if b.err != nil {
		return agent.Reply{}, b.err
	}
	return agent.Reply{Text: "echo: " + in.Text}, nil
}

func (b *fakeBrain) EndSession(ctx context.Context, sessionID string) error {
	b.ended = append(b.ended, sessionID)
	return b.err
}

type recordingMessenger struct {
	sent []string
}

func (m *recordingMessenger) Start() error { return nil }
func (m *recordingMessenger) Stop() error  { return nil }
func (m *recordingMessenger) Send(chatID string, text string) error {
	m.sent = append(m.sent, chatID+"|"+text)
	return nil
}

func TestDispatch(t *testing.T) {
	brain := &fakeBrain{}
	r := dispatch(context.Background(), brain, agent.Inbound{SessionID: "tg:1", Text: "hello"})
	assert.Equal(t, "echo: hello", r.Text)

	r = dispatch(context.Background(), brain, agent.Inbound{SessionID: "tg:1", Text: " /CANCEL "})
	assert.Equal(t, msgCancelled, r.Text)
	assert.Equal(t, []string{"tg:1"}, brain.ended)
	assert.Len(t, brain.inbound, 1, "commands never reach the orchestrator")

	brain.err = errors.New("db down")
	r = dispatch(context.Background(), brain, agent.Inbound{SessionID: "tg:1", Text: "hello"})
	assert.Equal(t, msgTrouble, r.Text)
}

func TestRouter(t *testing.T) {
	tg, dc := &recordingMessenger{}, &recordingMessenger{}
	router := NewRouter()
	router.Add(TelegramPrefix, tg)
	router.Add(DiscordPrefix, dc)

	require.NoError(t, router.Send(SessionID(TelegramPrefix, "42"), "hi"))
	require.NoError(t, router.Send("dc:998877", "yo"))
	assert.Equal(t, []string{"42|hi"}, tg.sent)
	assert.Equal(t, []string{"998877|yo"}, dc.sent)

	assert.Error(t, router.Send("42", "no prefix"))
	assert.Error(t, router.Send("sl:42", "unknown gateway"))
	assert.Error(t, router.Send("tg:", "empty id"))
}

func TestParseCallback(t *testing.T) {
	in, ok := parseCallback("confirm:d-1")
	require.True(t, ok)
	assert.Equal(t, agent.Inbound{Text: "yes", DraftID: "d-1"}, in)

	in, ok = parseCallback("cancel:d-1")
	require.True(t, ok)
	assert.Equal(t, "no", in.Text)

	for _, data := range []string{"", "confirm", "confirm:", "edit:d-1"} {
		_, ok := parseCallback(data)
		assert.False(t, ok, data)
	}
}

func TestChunk(t *testing.T) {
	assert.Equal(t, []string{"short"}, chunk("short", 10))

	parts := chunk(strings.Repeat("é", 25), 10)
	require.Len(t, parts, 3)
	assert.Equal(t, 10, len([]rune(parts[0])))
	assert.Equal(t, 5, len([]rune(parts[2])))
}
