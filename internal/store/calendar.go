package store

import (
	"context"
	"encoding/json"
	"time"
)

func (h *Store) AddEvent(ctx context.Context, ev *Event) error {
	attendees, _ := json.Marshal(ev.Attendees)
	res, err := h.DB.ExecContext(ctx,
		`INSERT INTO events (chat_id, title, start_at, end_at, attendees, notes) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ChatID, ev.Title, ev.Start.UTC().Unix(), ev.End.UTC().Unix(), string(attendees), ev.Notes)
	if err != nil {
		return err
	}
	ev.ID, err = res.LastInsertId()
	return err
}

// ListEvents returns the chat's events overlapping [from, to), ordered by start.
func (h *Store) ListEvents(ctx context.Context, chatID string, from, to time.Time) ([]Event, error) {
	rows, err := h.DB.QueryContext(ctx, `
		SELECT id, chat_id, title, start_at, end_at, attendees, notes FROM events
		WHERE chat_id = ? AND end_at > ? AND start_at < ?
		ORDER BY start_at, id`,
		chatID, from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev               Event
			start, end       int64
			attendees, notes string
		)
		if err := rows.Scan(&ev.ID, &ev.ChatID, &ev.Title, &start, &end, &attendees, &notes); err != nil {
			return nil, err
		}
		ev.Start = time.Unix(start, 0).UTC()
		ev.End = time.Unix(end, 0).UTC()
		ev.Notes = notes
		_ = json.Unmarshal([]byte(attendees), &ev.Attendees)
		out = append(out, ev)
	}
	return out, rows.Err()
}
