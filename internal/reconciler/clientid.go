package reconciler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"delta-pyramid-bot/internal/instrument"
	"delta-pyramid-bot/internal/strategy"
)

// clientIDPrefix marks orders owned by this bot. Reconciliation never
// cancels open orders without it.
const clientIDPrefix = "PYR"

// newClientOrderID builds the idempotency key for one submission attempt:
// PYR-{ENV}-{UTC timestamp}-{ROLE}-{SIDE}-{SEQ}. Every retry gets a fresh
// sequence so duplicate acks are attributable to a single attempt.
func newClientOrderID(env string, role strategy.Role, side instrument.Side, seq int, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s-%s-%02d",
		clientIDPrefix,
		strings.ToUpper(env),
		now.UTC().Format("20060102T150405Z"),
		role,
		strings.ToUpper(string(side)),
		seq,
	)
}

// ownOrder reports whether a client order ID was generated by this bot.
func ownOrder(clientOrderID string) bool {
	return strings.HasPrefix(clientOrderID, clientIDPrefix+"-")
}

// parseClientOrderID recovers the role and side encoded in a client order
// ID. Used during recovery when the ledger has no record of an exchange
// order that carries our prefix.
func parseClientOrderID(clientOrderID string) (strategy.Role, instrument.Side, bool) {
	parts := strings.Split(clientOrderID, "-")
	if len(parts) != 6 || parts[0] != clientIDPrefix {
		return "", "", false
	}
	role := strategy.Role(parts[3])
	switch role {
	case strategy.RoleSeed, strategy.RoleTakeProfit, strategy.RoleAverage, strategy.RoleFlatten:
	default:
		return "", "", false
	}
	var side instrument.Side
	switch strings.ToLower(parts[4]) {
	case "buy":
		side = instrument.SideBuy
	case "sell":
		side = instrument.SideSell
	default:
		return "", "", false
	}
	if _, err := strconv.Atoi(parts[5]); err != nil {
		return "", "", false
	}
	return role, side, true
}
