// botctl is the operator CLI: inspect venue state, cancel bot orders and
// close the position without going through the daemon. It talks straight to
// the exchange REST API with the same credentials as the bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"delta-pyramid-bot/internal/config"
	"delta-pyramid-bot/internal/delta/rest"
	"delta-pyramid-bot/internal/gateway"
	"delta-pyramid-bot/internal/instrument"
	"delta-pyramid-bot/internal/logging"
	"delta-pyramid-bot/internal/strategy"

	"go.uber.org/zap"
)

// Only orders carrying the bot's client ID prefix are ever cancelled here.
const botOrderPrefix = "PYR-"

const commandTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	symbolFlag := flag.String("symbol", "", "override the configured symbol")
	slippage := flag.Float64("slippage", 0.005, "marketable-limit slippage for flatten")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd := strings.ToLower(flag.Arg(0))

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	symbol := cfg.Strategy.Symbol
	if *symbolFlag != "" {
		symbol = *symbolFlag
	}

	apiKey := strings.TrimSpace(os.Getenv("DELTA_API_KEY"))
	apiSecret := strings.TrimSpace(os.Getenv("DELTA_API_SECRET"))
	if apiKey == "" || apiSecret == "" {
		fatal(errors.New("DELTA_API_KEY and DELTA_API_SECRET are required"))
	}
	client := rest.New(cfg.REST.BaseURL, apiKey, apiSecret, cfg.REST.Timeout, log)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	rules, err := client.Rules(ctx, symbol)
	if err != nil {
		fatal(err)
	}

	switch cmd {
	case "status":
		err = runStatus(ctx, client, rules)
	case "cancel-all":
		err = runCancelAll(ctx, client, rules, log)
	case "flatten":
		err = runFlatten(ctx, client, rules, *slippage, log)
	case "preview":
		err = runPreview(ctx, client, rules, cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func runStatus(ctx context.Context, client *rest.Client, rules instrument.Rules) error {
	mark, err := client.MarkPrice(ctx, rules.Symbol)
	if err != nil {
		return err
	}
	pos, err := client.Position(ctx, rules.ProductID)
	if err != nil {
		return err
	}
	orders, err := client.OpenOrders(ctx, rules.ProductID)
	if err != nil {
		return err
	}
	account, err := client.Account(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("symbol: %s (product %d, tick %g)\n", rules.Symbol, rules.ProductID, rules.TickSize)
	fmt.Printf("mark_price: %.2f\n", mark)
	if pos == nil {
		fmt.Println("position: flat")
	} else {
		fmt.Printf("position: %s %d lots @ %.2f\n", pos.Side, pos.Lots, pos.AvgPrice)
	}
	if account.HasMargin {
		fmt.Printf("margin_utilization: %.4f\n", account.MarginUtilization)
	}
	fmt.Printf("open_orders: %d\n", len(orders))
	for _, ord := range orders {
		owner := "manual"
		if strings.HasPrefix(ord.ClientOrderID, botOrderPrefix) {
			owner = "bot"
		}
		fmt.Printf("  %-6s %s %d @ %.2f filled=%d %s (%s)\n",
			owner, ord.Side, ord.Lots, ord.Price, ord.FilledLots, ord.Status, ord.ClientOrderID)
	}
	return nil
}

func runCancelAll(ctx context.Context, client *rest.Client, rules instrument.Rules, log *zap.Logger) error {
	orders, err := client.OpenOrders(ctx, rules.ProductID)
	if err != nil {
		return err
	}
	cancelled := 0
	for _, ord := range orders {
		if !strings.HasPrefix(ord.ClientOrderID, botOrderPrefix) {
			continue
		}
		req := gateway.CancelRequest{ClientOrderID: ord.ClientOrderID, ExchangeOrderID: ord.ExchangeOrderID}
		if err := client.CancelOrder(ctx, rules.ProductID, req); err != nil {
			log.Warn("cancel failed", zap.String("client_order_id", ord.ClientOrderID), zap.Error(err))
			continue
		}
		cancelled++
	}
	fmt.Printf("cancelled %d bot orders (%d open total)\n", cancelled, len(orders))
	return nil
}

func runFlatten(ctx context.Context, client *rest.Client, rules instrument.Rules, slippage float64, log *zap.Logger) error {
	if err := runCancelAll(ctx, client, rules, log); err != nil {
		return err
	}
	pos, err := client.Position(ctx, rules.ProductID)
	if err != nil {
		return err
	}
	if pos == nil || pos.Lots == 0 {
		fmt.Println("position already flat")
		return nil
	}
	mark, err := client.MarkPrice(ctx, rules.Symbol)
	if err != nil {
		return err
	}
	side := instrument.SideSell
	raw := mark * (1 - slippage)
	if strings.EqualFold(pos.Side, string(instrument.SideSell)) {
		side = instrument.SideBuy
		raw = mark * (1 + slippage)
	}
	price, err := rules.RoundPrice(raw, side)
	if err != nil {
		return err
	}
	req := gateway.SubmitRequest{
		ClientOrderID: fmt.Sprintf("%sCTL-%s-FLT-%s-00", botOrderPrefix, time.Now().UTC().Format("20060102T150405Z"), strings.ToUpper(string(side))),
		Side:          side,
		Price:         price,
		Lots:          pos.Lots,
	}
	ack, err := client.PlaceLimitOrder(ctx, rules.ProductID, req)
	if err != nil {
		return err
	}
	fmt.Printf("flatten order placed: %s %d @ %.2f (exchange id %s)\n", side, pos.Lots, price, ack.ExchangeOrderID)
	return nil
}

// runPreview prints the orders the ladder would maintain against the current
// venue position without submitting anything.
func runPreview(ctx context.Context, client *rest.Client, rules instrument.Rules, cfg *config.Config) error {
	mark, err := client.MarkPrice(ctx, rules.Symbol)
	if err != nil {
		return err
	}
	report, err := client.Position(ctx, rules.ProductID)
	if err != nil {
		return err
	}
	pos := strategy.Position{Side: strategy.SideNone}
	if report != nil && report.Lots != 0 {
		pos.Side = strategy.SideLong
		if strings.EqualFold(report.Side, string(instrument.SideSell)) {
			pos.Side = strategy.SideShort
		}
		pos.Lots = report.Lots
		pos.AvgPrice = report.AvgPrice
	}
	ladder := strategy.LadderFromConfig(cfg.Strategy)
	intents, err := strategy.ComputeIntents(pos, mark, ladder, rules)
	if err != nil {
		return err
	}
	fmt.Printf("mark_price: %.2f\n", mark)
	if pos.IsFlat() {
		fmt.Println("position: flat")
	} else {
		fmt.Printf("position: %s %d lots @ %.2f\n", pos.Side, pos.Lots, pos.AvgPrice)
	}
	fmt.Printf("target orders (%d):\n", len(intents))
	for _, intent := range intents {
		fmt.Printf("  %-4s %s %d @ %.2f\n", intent.Role, intent.Side, intent.Lots, intent.Price)
	}
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, strings.Join([]string{
		"usage: botctl [flags] <command>",
		"",
		"commands:",
		"  status      venue position, margin and open orders",
		"  preview     print the orders the ladder would maintain (no submission)",
		"  cancel-all  cancel every open order carrying the bot prefix",
		"  flatten     cancel bot orders and close the position at a marketable limit",
		"",
		"flags:",
	}, "\n"))
	flag.PrintDefaults()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "botctl: %v\n", err)
	os.Exit(1)
}
