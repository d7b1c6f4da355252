package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rahul/concierge/internal/store"
)

type CalendarStore interface {
	AddEvent(ctx context.Context, ev *store.Event) error
	ListEvents(ctx context.Context, chatID string, from, to time.Time) ([]store.Event, error)
}

// parseWhen accepts RFC3339 timestamps and bare dates.
func parseWhen(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, InvalidInput("unrecognised time %q (use RFC3339 or YYYY-MM-DD)", s)
}

type CalendarListTool struct {
	Store CalendarStore
	Now   func() time.Time
}

func NewCalendarListTool(s CalendarStore) *CalendarListTool {
	return &CalendarListTool{Store: s, Now: time.Now}
}

func (c *CalendarListTool) Name() string         { return "calendar.list" }
func (c *CalendarListTool) Kind() store.StepKind { return store.KindRead }
func (c *CalendarListTool) Description() string {
	return "List the user's calendar events starting at 'from' (default: today) for 'days' days (default 1)."
}

func (c *CalendarListTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"from": map[string]any{"type": "string", "description": "Start date or RFC3339 time"},
			"days": map[string]any{"type": "integer", "description": "Number of days to list"},
		},
	}
}

func (c *CalendarListTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		From string `json:"from"`
		Days int    `json:"days"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", InvalidInput("%v", err)
	}
	auth, ok := AuthFrom(ctx)
	if !ok {
		return "", fmt.Errorf("missing session in context")
	}

	now := c.Now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if args.From != "" {
		t, err := parseWhen(args.From, now.Location())
		if err != nil {
			return "", err
		}
		from = t
	}
	if args.Days <= 0 {
		args.Days = 1
	}
	if args.Days > 31 {
		return "", InvalidInput("days must be at most 31")
	}

	events, err := c.Store.ListEvents(ctx, auth.SessionID, from, from.AddDate(0, 0, args.Days))
	if err != nil {
		return "", fmt.Errorf("failed to list events: %w", err)
	}
	if len(events) == 0 {
		return fmt.Sprintf("No events between %s and %s.", from.Format("2006-01-02"), from.AddDate(0, 0, args.Days).Format("2006-01-02")), nil
	}

	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "- %s → %s  %s", ev.Start.Format(time.RFC3339), ev.End.Format("15:04"), ev.Title)
		if len(ev.Attendees) > 0 {
			fmt.Fprintf(&b, " (with %s)", strings.Join(ev.Attendees, ", "))
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

type CalendarCreateTool struct {
	Store CalendarStore
}

func NewCalendarCreateTool(s CalendarStore) *CalendarCreateTool {
	return &CalendarCreateTool{Store: s}
}

func (c *CalendarCreateTool) Name() string         { return "calendar.create" }
func (c *CalendarCreateTool) Kind() store.StepKind { return store.KindWrite }
func (c *CalendarCreateTool) Description() string {
	return "Create a calendar event."
}

func (c *CalendarCreateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":            map[string]any{"type": "string"},
			"start":            map[string]any{"type": "string", "description": "RFC3339 start time"},
			"duration_minutes": map[string]any{"type": "integer", "description": "Default 30"},
			"attendees":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"notes":            map[string]any{"type": "string"},
		},
		"required": []string{"title", "start"},
	}
}

type eventArgs struct {
	Title     string   `json:"title"`
	Start     string   `json:"start"`
	Duration  int      `json:"duration_minutes"`
	Attendees []string `json:"attendees"`
	Notes     string   `json:"notes"`
}

func (c *CalendarCreateTool) Preview(params map[string]any) string {
	var args eventArgs
	b, _ := json.Marshal(params)
	_ = json.Unmarshal(b, &args)
	if args.Duration <= 0 {
		args.Duration = 30
	}
	out := fmt.Sprintf("Create calendar event %q\nStart: %s (%d min)", args.Title, args.Start, args.Duration)
	if len(args.Attendees) > 0 {
		out += "\nAttendees: " + strings.Join(args.Attendees, ", ")
	}
	if args.Notes != "" {
		out += "\nNotes: " + args.Notes
	}
	return out
}

func (c *CalendarCreateTool) Execute(ctx context.Context, input string) (string, error) {
	var args eventArgs
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", InvalidInput("%v", err)
	}
	auth, ok := AuthFrom(ctx)
	if !ok {
		return "", fmt.Errorf("missing session in context")
	}
	if args.Title == "" {
		return "", InvalidInput("title is required")
	}
	start, err := parseWhen(args.Start, time.UTC)
	if err != nil {
		return "", err
	}
	if args.Duration <= 0 {
		args.Duration = 30
	}

	ev := &store.Event{
		ChatID:    auth.SessionID,
		Title:     args.Title,
		Start:     start,
		End:       start.Add(time.Duration(args.Duration) * time.Minute),
		Attendees: args.Attendees,
		Notes:     args.Notes,
	}
	if err := c.Store.AddEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("failed to create event: %w", err)
	}
	return fmt.Sprintf("Created event #%d %q at %s.", ev.ID, ev.Title, ev.Start.Format(time.RFC3339)), nil
}
