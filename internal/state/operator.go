package state

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	OperatorOffsetKey = "telegram:operator:last_update_id"
	AuditPrefix       = "ops:audit:"
)

type AuditEvent struct {
	UpdateID    int64     `json:"update_id"`
	Time        time.Time `json:"time"`
	Action      string    `json:"action"`
	Command     string    `json:"command"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	ChatID      int64     `json:"chat_id"`
	StateBefore string    `json:"state_before,omitempty"`
	StateAfter  string    `json:"state_after,omitempty"`
}

func LoadOperatorOffset(ctx context.Context, store Store) int64 {
	if store == nil {
		return 0
	}
	raw, ok, err := store.Get(ctx, OperatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func SaveOperatorOffset(ctx context.Context, store Store, offset int64) error {
	if store == nil {
		return nil
	}
	return store.Set(ctx, OperatorOffsetKey, strconv.FormatInt(offset, 10))
}

// AppendAudit stores event under a time ordered key.
func AppendAudit(ctx context.Context, store Store, event AuditEvent) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	key := fmt.Sprintf("%s%019d:%d", AuditPrefix, event.Time.UnixNano(), event.UpdateID)
	return saveJSON(ctx, store, key, event)
}

// RecentAudit returns up to limit audit events, oldest first. Stores that
// cannot list keys yield nothing.
func RecentAudit(ctx context.Context, store Store, limit int) ([]AuditEvent, error) {
	lister, ok := store.(Lister)
	if !ok {
		return nil, nil
	}
	entries, err := lister.List(ctx, AuditPrefix, limit)
	if err != nil {
		return nil, err
	}
	events := make([]AuditEvent, 0, len(entries))
	for _, entry := range entries {
		var event AuditEvent
		if err := json.Unmarshal([]byte(entry.Value), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}
