package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"zs-hedge-bot/internal/alerts"
	"zs-hedge-bot/internal/state"

	"go.uber.org/zap"
)

const auditListLimit = 5

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.Enabled || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := state.LoadOperatorOffset(ctx, a.store)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				if err := state.SaveOperatorOffset(ctx, a.store, offset); err != nil {
					a.log.Warn("operator offset save failed", zap.Error(err))
				}
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		a.log.Debug("telegram operator poll failed", zap.Error(err))
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator poll failed", zap.Error(err))
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp := a.handleOperatorCommand(ctx, cmd, args, meta)
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /cmd@botname.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) string {
	switch cmd {
	case "status":
		return a.operatorStatus()
	case "pause":
		before := a.controller.SetPaused(true)
		a.audit(ctx, meta, "pause", pausedLabel(before), pausedLabel(true))
		if before {
			return "trading already paused"
		}
		return "trading paused, open pairs still close"
	case "resume":
		before := a.controller.SetPaused(false)
		a.audit(ctx, meta, "resume", pausedLabel(before), pausedLabel(false))
		if !before {
			return "trading already active"
		}
		return "trading resumed"
	case "halt":
		before := string(a.controller.State())
		reason := "operator halt"
		if len(args) > 0 {
			reason = "operator halt: " + strings.Join(args, " ")
		}
		a.controller.RequestHalt(reason)
		a.audit(ctx, meta, "halt", before, "HALT_REQUESTED")
		return "halt requested, takes effect at the next state boundary"
	case "audit":
		return a.operatorAudit(ctx)
	default:
		return operatorHelpText()
	}
}

func (a *App) audit(ctx context.Context, meta operatorMeta, action, before, after string) {
	if a.store == nil {
		return
	}
	event := state.AuditEvent{
		UpdateID:    meta.UpdateID,
		Time:        time.Now().UTC(),
		Action:      action,
		Command:     meta.Raw,
		UserID:      meta.UserID,
		Username:    meta.Username,
		ChatID:      meta.ChatID,
		StateBefore: before,
		StateAfter:  after,
	}
	if err := state.AppendAudit(ctx, a.store, event); err != nil {
		a.log.Warn("operator audit failed", zap.Error(err))
	}
}

func (a *App) operatorStatus() string {
	status := a.controller.Status()
	if a.feed == nil {
		return status
	}
	snap, ok := a.feed.Latest()
	if !ok {
		return status + "\nbbo: none"
	}
	return status + fmt.Sprintf("\nbbo: %.6f x %.6f / %.6f x %.6f (%s ago)",
		snap.Bid, snap.BidSize, snap.Ask, snap.AskSize, time.Since(snap.At).Round(time.Millisecond))
}

func (a *App) operatorAudit(ctx context.Context) string {
	events, err := state.RecentAudit(ctx, a.store, auditListLimit)
	if err != nil {
		return fmt.Sprintf("audit unavailable: %v", err)
	}
	if len(events) == 0 {
		return "no operator actions recorded"
	}
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		who := ev.Username
		if who == "" {
			who = strconv.FormatInt(ev.UserID, 10)
		}
		lines = append(lines, fmt.Sprintf("%s %s by %s (%s -> %s)", ev.Time.Format(time.RFC3339), ev.Action, who, ev.StateBefore, ev.StateAfter))
	}
	return strings.Join(lines, "\n")
}

func pausedLabel(paused bool) string {
	if paused {
		return "paused"
	}
	return "active"
}

func operatorHelpText() string {
	return strings.Join([]string{
		"/status - cycle state, stats and rate usage",
		"/pause - stop opening new pairs",
		"/resume - allow new pairs",
		"/halt [reason] - halt at the next state boundary",
		"/audit - recent operator actions",
	}, "\n")
}
