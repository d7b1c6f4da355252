package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rahul/concierge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAuth = AuthContext{SessionID: "chat-1"}

type fakeSender struct {
	sent []Email
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg Email) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeMessenger struct {
	chatID, text string
}

func (f *fakeMessenger) Send(chatID, text string) error {
	f.chatID, f.text = chatID, text
	return nil
}

func TestRegistry_ClassifyAndPreview(t *testing.T) {
	r := NewRegistry()
	r.Register(NewScraperTool())
	r.Register(NewEmailTool(&fakeSender{}))
	for _, tool := range NewNotesTools(t.TempDir()) {
		r.Register(tool)
	}

	kind, err := r.Classify("web.read")
	require.NoError(t, err)
	assert.Equal(t, store.KindRead, kind)

	kind, err = r.Classify("email.send")
	require.NoError(t, err)
	assert.Equal(t, store.KindWrite, kind)

	kind, err = r.Classify("notes.delete")
	require.NoError(t, err)
	assert.Equal(t, store.KindWrite, kind)

	_, err = r.Classify("email.sendd")
	assert.ErrorIs(t, err, ErrUnknownOperation)

	params := map[string]any{"to": "alice@example.com", "subject": "Hi", "body": "hi"}
	preview := r.Preview("email.send", params)
	assert.Equal(t, preview, r.Preview("email.send", params), "preview must be deterministic")
	assert.Contains(t, preview, "Subject: Hi")

	// Operations without a Previewer get sorted key lines.
	assert.Equal(t, "web.read\n  a: 1\n  url: x", r.Preview("web.read", map[string]any{"url": "x", "a": 1}))

	names := []string{}
	for _, tool := range r.List() {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"email.send", "notes.delete", "notes.list", "notes.read", "notes.write", "web.read"}, names)
}

func TestRegistry_ExecuteErrors(t *testing.T) {
	r := NewRegistry()
	sender := &fakeSender{err: errors.New("relay down")}
	r.Register(NewEmailTool(sender))

	res := r.Execute(context.Background(), "nope", nil, testAuth)
	require.False(t, res.Success)
	assert.Equal(t, ErrKindUnknownOperation, res.Err.Kind)

	res = r.Execute(context.Background(), "email.send", map[string]any{"to": "not an address", "body": "x"}, testAuth)
	require.False(t, res.Success)
	assert.Equal(t, ErrKindInvalidInput, res.Err.Kind)

	res = r.Execute(context.Background(), "email.send", map[string]any{"to": "alice@example.com", "body": "x"}, testAuth)
	require.False(t, res.Success)
	assert.Equal(t, ErrKindFailed, res.Err.Kind)
	assert.Contains(t, res.Err.Message, "relay down")
}

func TestEmailTool_Send(t *testing.T) {
	sender := &fakeSender{}
	r := NewRegistry()
	r.Register(NewEmailTool(sender))

	res := r.Execute(context.Background(), "email.send", map[string]any{
		"to":      "Alice <alice@example.com>, bob@example.com",
		"subject": "Hello",
		"body":    "hi",
	}, testAuth)
	require.True(t, res.Success, "%v", res.Err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, sender.sent[0].To)
	assert.Equal(t, "Hello", sender.sent[0].Subject)
}

func TestNotesTools(t *testing.T) {
	root := t.TempDir()
	r := NewRegistry()
	for _, tool := range NewNotesTools(root) {
		r.Register(tool)
	}
	ctx := context.Background()

	res := r.Execute(ctx, "notes.write", map[string]any{"filename": "todo/groceries.txt", "content": "milk"}, testAuth)
	require.True(t, res.Success, "%v", res.Err)

	data, err := os.ReadFile(filepath.Join(root, "todo", "groceries.txt"))
	require.NoError(t, err)
	assert.Equal(t, "milk", string(data))

	res = r.Execute(ctx, "notes.read", map[string]any{"filename": "todo/groceries.txt"}, testAuth)
	require.True(t, res.Success)
	assert.Equal(t, "milk", res.Output)

	res = r.Execute(ctx, "notes.list", map[string]any{}, testAuth)
	require.True(t, res.Success)
	assert.Contains(t, res.Output, "[dir] todo")

	res = r.Execute(ctx, "notes.read", map[string]any{"filename": "../../etc/passwd"}, testAuth)
	require.False(t, res.Success)
	assert.Equal(t, ErrKindInvalidInput, res.Err.Kind)

	res = r.Execute(ctx, "notes.delete", map[string]any{"filename": "todo/groceries.txt"}, testAuth)
	require.True(t, res.Success)
	_, err = os.Stat(filepath.Join(root, "todo", "groceries.txt"))
	assert.True(t, os.IsNotExist(err))
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "tools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCalendarTools(t *testing.T) {
	s := newStore(t)
	list := NewCalendarListTool(s)
	list.Now = func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) }

	r := NewRegistry()
	r.Register(list)
	r.Register(NewCalendarCreateTool(s))
	ctx := context.Background()

	res := r.Execute(ctx, "calendar.list", map[string]any{}, testAuth)
	require.True(t, res.Success, "%v", res.Err)
	assert.Contains(t, res.Output, "No events")

	params := map[string]any{"title": "Dentist", "start": "2026-03-02T15:00:00Z", "attendees": []any{"dr@example.com"}}
	assert.Contains(t, r.Preview("calendar.create", params), "Attendees: dr@example.com")

	res = r.Execute(ctx, "calendar.create", params, testAuth)
	require.True(t, res.Success, "%v", res.Err)

	res = r.Execute(ctx, "calendar.list", map[string]any{"from": "2026-03-02"}, testAuth)
	require.True(t, res.Success)
	assert.Contains(t, res.Output, "Dentist")
	assert.Contains(t, res.Output, "dr@example.com")

	res = r.Execute(ctx, "calendar.create", map[string]any{"title": "x", "start": "tomorrow-ish"}, testAuth)
	require.False(t, res.Success)
	assert.Equal(t, ErrKindInvalidInput, res.Err.Kind)
}

func TestReminderTools(t *testing.T) {
	s := newStore(t)
	r := NewRegistry()
	r.Register(NewReminderTool(s))
	r.Register(NewReminderClearTool(s))
	ctx := context.Background()

	res := r.Execute(ctx, "reminder.create", map[string]any{"task_description": "stretch", "interval_seconds": 30}, testAuth)
	require.False(t, res.Success)
	assert.Equal(t, ErrKindInvalidInput, res.Err.Kind)

	params := map[string]any{"task_description": "stretch", "interval_seconds": 3600}
	assert.Equal(t, `Create a reminder every 3600 seconds: "stretch"`, r.Preview("reminder.create", params))
	res = r.Execute(ctx, "reminder.create", params, testAuth)
	require.True(t, res.Success, "%v", res.Err)

	tasks, err := s.ListTasks("chat-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	res = r.Execute(ctx, "reminder.clear", nil, testAuth)
	require.True(t, res.Success)
	tasks, err = s.ListTasks("chat-1")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// Without a session the tool refuses to guess whose reminders to touch.
	res = r.Execute(ctx, "reminder.clear", nil, AuthContext{})
	assert.False(t, res.Success)
}

func TestChatTool(t *testing.T) {
	m := &fakeMessenger{}
	r := NewRegistry()
	r.Register(NewChatTool(m))

	res := r.Execute(context.Background(), "chat.send", map[string]any{"text": "on my way"}, testAuth)
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, "chat-1", m.chatID)
	assert.Equal(t, "on my way", m.text)
	assert.True(t, strings.HasPrefix(r.Preview("chat.send", map[string]any{"text": "x"}), "Post to this chat"))
}

func TestShellTool(t *testing.T) {
	r := NewRegistry()
	r.Register(NewShellTool(t.TempDir()))

	kind, err := r.Classify("shell.run")
	require.NoError(t, err)
	assert.Equal(t, store.KindWrite, kind)
	assert.Equal(t, "Run shell command:\n$ ls -la", r.Preview("shell.run", map[string]any{"command": "ls -la"}))

	res := r.Execute(context.Background(), "shell.run", map[string]any{"command": "   "}, testAuth)
	require.False(t, res.Success)
	assert.Equal(t, ErrKindInvalidInput, res.Err.Kind)
}
