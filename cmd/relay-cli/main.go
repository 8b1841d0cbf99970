package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"signalrelay/pkg/relay"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: relay-cli [-addr URL] <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                         Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  status                          Show relay status\n")
	fmt.Fprintf(os.Stderr, "  send -ticker T -action A [...]  Send a test alert\n")
	fmt.Fprintf(os.Stderr, "  positions                       List open positions\n")
	fmt.Fprintf(os.Stderr, "  orders                          List working orders\n")
	fmt.Fprintf(os.Stderr, "  trades                          List today's capped symbols\n")
	fmt.Fprintf(os.Stderr, "  clear                           Clear today's daily cap\n")
	fmt.Fprintf(os.Stderr, "  flatten                         Cancel all orders and close all positions\n")
	fmt.Fprintf(os.Stderr, "  force-close SYMBOL              Cancel orders and close one symbol\n")
	fmt.Fprintf(os.Stderr, "\nGlobal options:\n")
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", envOr("RELAY_ADDR", "http://localhost:8080"), "relay-server base URL")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	c := relay.NewClient(*addr)
	c.SetPassphrase(os.Getenv("WEBHOOK_PASSPHRASE"))
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "version":
		fmt.Printf("relay-cli %s\n", version)

	case "status":
		var st *relay.Status
		if st, err = c.Status(ctx); err == nil {
			printStatus(st)
		}

	case "send":
		err = send(ctx, c, args)

	case "positions":
		var ps []relay.Position
		if ps, err = c.Positions(ctx); err == nil {
			printPositions(ps)
		}

	case "orders":
		var orders []relay.OpenOrder
		if orders, err = c.Orders(ctx); err == nil {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSYMBOL\tSIDE\tTYPE\tQTY\tSTATUS\tSUBMITTED")
			for _, o := range orders {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", o.ID, o.Symbol, o.Side, o.Type, o.Qty,
					o.Status, o.SubmittedAt.Local().Format(time.DateTime))
			}
			w.Flush()
		}

	case "trades":
		var tr *relay.Trades
		if tr, err = c.Trades(ctx); err == nil {
			fmt.Printf("%s: %s\n", tr.Date, joinOr(tr.Symbols, "(none)"))
		}

	case "clear":
		var n int
		if n, err = c.ClearTrades(ctx); err == nil {
			fmt.Printf("cleared %d symbol(s)\n", n)
		}

	case "flatten":
		var rep *relay.FlattenReport
		rep, err = c.Flatten(ctx)
		if rep != nil {
			printJSON(rep)
		}

	case "force-close":
		if len(args) != 1 {
			err = errors.New("usage: relay-cli force-close SYMBOL")
			break
		}
		var out *relay.Outcome
		out, err = c.ForceClose(ctx, args[0])
		if out != nil {
			printJSON(out)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func send(ctx context.Context, c *relay.Client, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	ticker := fs.String("ticker", "", "symbol")
	action := fs.String("action", "", "buy, sell, long, short or cancel")
	price := fs.Float64("price", 0, "reference price (0 omits it)")
	qty := fs.Int64("qty", 0, "quantity hint (0 omits it)")
	tag := fs.String("id", "", "order tag used in the idempotency key")
	_ = fs.Parse(args)

	if *ticker == "" || *action == "" {
		return errors.New("-ticker and -action are required")
	}
	a := relay.Alert{Ticker: *ticker, Action: *action, OrderID: *tag, Message: "relay-cli"}
	if *price > 0 {
		a.Price = price
	}
	if *qty > 0 {
		a.Qty = qty
	}
	out, err := c.Send(ctx, a)
	if out != nil {
		printJSON(out)
	}
	return err
}

func printStatus(st *relay.Status) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "broker\t%s\n", st.Broker)
	fmt.Fprintf(w, "dry run\t%t\n", st.DryRun)
	fmt.Fprintf(w, "trading enabled\t%t\n", st.TradingEnabled)
	fmt.Fprintf(w, "bias\t%s\n", st.Bias)
	fmt.Fprintf(w, "session\t%s\n", st.Session)
	fmt.Fprintf(w, "in window\t%t (flatten: %t)\n", st.InTradingWindow, st.InFlattenWindow)
	fmt.Fprintf(w, "sizing\t%s %s%s%s\n", st.Sizing.Mode, st.Sizing.Percent, st.Sizing.Notional, qtyString(st.Sizing.Quantity))
	fmt.Fprintf(w, "brackets\t%t\n", st.BracketEnabled)
	fmt.Fprintf(w, "traded today\t%s\n", joinOr(st.TradedToday, "(none)"))
	for _, e := range st.Errors {
		fmt.Fprintf(w, "error\t%s\n", e)
	}
	w.Flush()
	if len(st.Positions) > 0 {
		fmt.Println()
		printPositions(st.Positions)
	}
}

func printPositions(ps []relay.Position) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tSIDE\tQTY\tAVG PRICE\tMARKET VALUE")
	for _, p := range ps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Symbol, p.Side, p.Qty, p.AvgEntryPrice, p.MarketValue)
	}
	w.Flush()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func qtyString(q int64) string {
	if q == 0 {
		return ""
	}
	return fmt.Sprintf("%d", q)
}

func joinOr(ss []string, empty string) string {
	if len(ss) == 0 {
		return empty
	}
	return strings.Join(ss, ", ")
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
