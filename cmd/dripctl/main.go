// Command dripctl runs one-shot operator tasks against a dripbot
// deployment: broadcasts, status, webhook maintenance, retention purge, a
// manual delivery cycle and systemd unit control.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dripbot/internal/app"
	"dripbot/internal/catalog"
	logx "dripbot/pkg/logx"
	"dripbot/pkg/systemd"
)

const usage = `usage: dripctl [-config path] [-v] <command> [flags]

commands:
  broadcast      send a message to every subscriber
  status         print subscriber and queue counters
  webhook-info   print the webhook registered with Telegram
  webhook-reset  re-register (webhook mode) or remove (polling) the webhook
  purge          delete sent and failed rows older than -age
  run-once       run one delivery cycle (stop the service first)
  service        systemd unit status or restart: service status|restart [-unit name]
`

var errUsage = errors.New("bad usage")

func main() {
	root := flag.NewFlagSet("dripctl", flag.ContinueOnError)
	root.SetOutput(os.Stderr)
	root.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	cfgPath := root.String("config", "./dripbot.yaml", "path to config (yaml or json)")
	verbose := root.Bool("v", false, "debug logging to stderr")
	if err := root.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if root.NArg() == 0 {
		root.Usage()
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logx.NewWriter(os.Stderr, level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Stdout, *cfgPath, log, root.Arg(0), root.Args()[1:])
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		root.Usage()
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "dripctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, cfgPath string, log logx.Logger, cmd string, args []string) error {
	switch cmd {
	case "service":
		return runService(ctx, out, args)
	case "broadcast", "status", "webhook-info", "webhook-reset", "purge", "run-once":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	var (
		text       = fs.String("text", "", "broadcast: message text")
		image      = fs.String("image", "", "broadcast: image URL or Telegram file id")
		buttonURL  = fs.String("button-url", "", "broadcast: call-to-action URL")
		buttonText = fs.String("button-text", catalog.DefaultButtonLabel, "broadcast: call-to-action label")
		drop       = fs.Bool("drop-pending", false, "webhook-reset: drop pending updates")
		age        = fs.Duration("age", 0, "purge: minimum age (default retention.max_age)")
		timeout    = fs.Duration("timeout", 10*time.Minute, "overall time limit")
	)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	tk, err := app.OpenToolkit(ctx, cfgPath, log)
	if err != nil {
		return err
	}
	defer tk.Close()

	switch cmd {
	case "broadcast":
		c := catalog.Content{Text: *text, Image: strings.TrimSpace(*image)}
		if u := strings.TrimSpace(*buttonURL); u != "" {
			c.Button = &catalog.Button{Label: strings.TrimSpace(*buttonText), URL: u}
		}
		res, err := tk.Broadcast(ctx, c)
		if err != nil {
			return err
		}
		return writeJSON(out, res)
	case "status":
		st, err := tk.Stats(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, st)
	case "webhook-info":
		info, err := tk.WebhookInfo(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, info)
	case "webhook-reset":
		if err := tk.ResetWebhook(ctx, *drop); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, "ok")
		return err
	case "purge":
		n, err := tk.Purge(ctx, *age)
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]int64{"purged": n})
	case "run-once":
		rep, err := tk.RunOnce(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, rep)
	}
	return nil
}

func runService(ctx context.Context, out io.Writer, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	action := args[0]
	if action != "status" && action != "restart" {
		return fmt.Errorf("%w: unknown service action %q", errUsage, action)
	}
	fs := flag.NewFlagSet("service", flag.ContinueOnError)
	unit := fs.String("unit", "dripbot", "systemd unit name")
	if err := fs.Parse(args[1:]); err != nil {
		return errUsage
	}

	units, err := systemd.Connect(ctx)
	if err != nil {
		return err
	}
	defer units.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	switch action {
	case "status":
		st, err := units.Status(ctx, *unit)
		if err != nil {
			return err
		}
		return writeJSON(out, st)
	case "restart":
		if err := units.Restart(ctx, *unit); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, "restarted")
		return err
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
