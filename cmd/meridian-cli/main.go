package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"meridian/pkg/meridian"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: meridian-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version      Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  submit       Submit an order (dry run unless -dry-run=false)\n")
		fmt.Fprintf(os.Stderr, "  order        Show one order by id\n")
		fmt.Fprintf(os.Stderr, "  cancel       Cancel one order by id\n")
		fmt.Fprintf(os.Stderr, "  cancel-all   Cancel every open order at a venue\n")
		fmt.Fprintf(os.Stderr, "  ledger       Dump the audit trail\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "version":
		fmt.Printf("meridian-cli %s\n", version)

	case "submit":
		runSubmit(ctx, os.Args[2:])

	case "order":
		runOrder(ctx, os.Args[2:])

	case "cancel":
		runCancel(ctx, os.Args[2:])

	case "cancel-all":
		runCancelAll(ctx, os.Args[2:])

	case "ledger":
		runLedger(ctx, os.Args[2:])

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}
}

func newClient(fs *flag.FlagSet) func() *meridian.Client {
	server := fs.String("server", envOr("MERIDIAN_SERVER", "http://localhost:8080"), "meridian-exec base URL")
	return func() *meridian.Client { return meridian.NewClient(*server) }
}

func runSubmit(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	client := newClient(fs)
	clientOrderID := fs.String("client-order-id", "", "caller-chosen idempotency id (required)")
	symbol := fs.String("symbol", "", "symbol (required)")
	side := fs.String("side", "buy", "buy or sell")
	qty := fs.String("qty", "", "quantity (required)")
	orderType := fs.String("type", "market", "market or limit")
	limitPrice := fs.String("limit-price", "0", "limit price for limit orders")
	markPrice := fs.String("mark-price", "0", "mark price for notional arithmetic")
	venueName := fs.String("venue", "sim", "target venue")
	mode := fs.String("mode", "paper", "shadow, paper, or live")
	dryRun := fs.Bool("dry-run", true, "evaluate risk only; no dispatch")
	fs.Parse(args)

	if *clientOrderID == "" || *symbol == "" || *qty == "" {
		fs.Usage()
		os.Exit(1)
	}

	req := meridian.SubmitOrderRequest{
		ClientOrderID: *clientOrderID,
		Symbol:        *symbol,
		Side:          *side,
		Qty:           mustDecimal(*qty, "qty"),
		Type:          *orderType,
		LimitPrice:    mustDecimal(*limitPrice, "limit-price"),
		MarkPrice:     mustDecimal(*markPrice, "mark-price"),
		Venue:         *venueName,
		Mode:          *mode,
		DryRun:        dryRun,
	}
	resp, err := client().SubmitOrder(ctx, req)
	if err != nil {
		fatal(err)
	}
	printJSON(resp)
}

func runOrder(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("order", flag.ExitOnError)
	client := newClient(fs)
	id := fs.String("id", "", "order id (required)")
	fs.Parse(args)
	if *id == "" {
		fs.Usage()
		os.Exit(1)
	}
	ord, err := client().GetOrder(ctx, *id)
	if err != nil {
		fatal(err)
	}
	printJSON(ord)
}

func runCancel(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	client := newClient(fs)
	id := fs.String("id", "", "order id (required)")
	fs.Parse(args)
	if *id == "" {
		fs.Usage()
		os.Exit(1)
	}
	ord, err := client().CancelOrder(ctx, *id)
	if err != nil {
		fatal(err)
	}
	printJSON(ord)
}

func runCancelAll(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("cancel-all", flag.ExitOnError)
	client := newClient(fs)
	venueName := fs.String("venue", "sim", "target venue")
	mode := fs.String("mode", "paper", "shadow, paper, or live")
	symbol := fs.String("symbol", "", "narrow to one symbol")
	fs.Parse(args)

	n, err := client().CancelAll(ctx, *venueName, *mode, *symbol)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("cancelled %d orders\n", n)
}

func runLedger(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("ledger", flag.ExitOnError)
	client := newClient(fs)
	orderID := fs.String("order-id", "", "filter to one order")
	fs.Parse(args)

	events, err := client().Ledger(ctx, *orderID)
	if err != nil {
		fatal(err)
	}
	for _, ev := range events {
		printJSON(ev)
	}
}

func mustDecimal(s, name string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s %q: %v\n", name, s, err)
		os.Exit(1)
	}
	return d
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(b))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
