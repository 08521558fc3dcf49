package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"delta-pyramid-bot/internal/alerts"
	"delta-pyramid-bot/internal/ledger"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

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
	if !a.cfg.Telegram.OperatorEnabled {
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
	offset := a.loadOperatorOffset(ctx)
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
		if a.clearOperatorWarned() {
			a.log.Info("telegram operator recovered")
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
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
	cmd, _, ok := parseOperatorCommand(msg.Text)
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
	resp, err := a.handleOperatorCommand(ctx, cmd, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "arm":
		a.auditOperatorEvent(ctx, "arm", meta)
		if err := a.rec.Arm(ctx); err != nil {
			return "", err
		}
		return "submission armed", nil
	case "disarm":
		a.auditOperatorEvent(ctx, "disarm", meta)
		if err := a.rec.Disarm(ctx); err != nil {
			return "", err
		}
		return "submission disarmed; resting orders stay live", nil
	case "flatten":
		a.auditOperatorEvent(ctx, "flatten", meta)
		if err := a.rec.Flatten(ctx); err != nil {
			return "", err
		}
		return "flatten requested: orders cancelled, position closing", nil
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) operatorStatus() string {
	if a.rec == nil {
		return "status unavailable"
	}
	snap := a.rec.Status()
	degraded := snap.Degraded
	if degraded == "" {
		degraded = "no"
	}
	lastEvent := "n/a"
	if !snap.LastEventAt.IsZero() {
		lastEvent = snap.LastEventAt.UTC().Format(time.RFC3339)
	}
	lastReconcile := "n/a"
	if !snap.LastReconcileAt.IsZero() {
		lastReconcile = snap.LastReconcileAt.UTC().Format(time.RFC3339)
	}
	lines := []string{
		fmt.Sprintf("symbol: %s", snap.Symbol),
		fmt.Sprintf("state: %s", snap.State),
		fmt.Sprintf("armed: %t", snap.Armed),
		fmt.Sprintf("degraded: %s", degraded),
		fmt.Sprintf("position: %s %d lots @ %.2f", positionSideText(string(snap.Position.Side)), snap.Position.Lots, snap.Position.AvgPrice),
		fmt.Sprintf("live_orders: %d", len(snap.LiveOrders)),
	}
	for _, ord := range snap.LiveOrders {
		lines = append(lines, fmt.Sprintf("  %s %s %d @ %.2f (%s)", ord.Role, ord.Side, ord.Lots, ord.Price, ord.ClientOrderID))
	}
	lines = append(lines,
		fmt.Sprintf("last_event_at: %s", lastEvent),
		fmt.Sprintf("last_reconcile_at: %s", lastReconcile),
	)
	return strings.Join(lines, "\n")
}

func positionSideText(side string) string {
	if side == "" {
		return "flat"
	}
	return side
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - ladder state, position and live orders",
		"/arm - enable order submission",
		"/disarm - stop submitting; resting orders stay live",
		"/flatten - cancel all orders and close the position",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
	a.opsMu.Lock()
	warned := a.operatorWarned
	a.operatorWarned = true
	a.opsMu.Unlock()
	if warned {
		return
	}
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) clearOperatorWarned() bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	was := a.operatorWarned
	a.operatorWarned = false
	return was
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Meta(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.SetMeta(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, action string, meta operatorMeta) {
	if a.store == nil {
		return
	}
	event := ledger.NewAudit(ledger.AuditOperatorCommand, a.cfg.Strategy.Symbol, map[string]any{
		"action":    action,
		"command":   meta.Raw,
		"update_id": meta.UpdateID,
		"user_id":   meta.UserID,
		"username":  meta.Username,
		"chat_id":   meta.ChatID,
	})
	if err := a.store.AppendAudit(ctx, event); err != nil {
		a.log.Warn("operator audit failed", zap.Error(err))
	}
}
