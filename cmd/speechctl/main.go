package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/speechd/internal/bus"
	"github.com/loqalabs/speechd/internal/config"
	"github.com/loqalabs/speechd/internal/gateway"
	"github.com/loqalabs/speechd/internal/protocol"
	"github.com/loqalabs/speechd/internal/recognizer"
	"github.com/loqalabs/speechd/internal/speech"
)

var version = "0.1.0-dev"

const usage = "expected 'simulate', 'start', 'stop', 'status', 'locale' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "simulate":
		err = runSimulate(os.Args[2:], os.Stdout)
	case "start", "stop", "status", "locale":
		err = runControl(os.Args[1], os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runSimulate replays a script through a local machine and prints every
// event the gateway delivers.
func runSimulate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	script := fs.String("script", "partial:hello;partial:hello wor;final:hello world", "Steps as kind:text separated by ';'")
	locale := fs.String("locale", "en_US", "Locale for the session")
	step := fs.Duration("step", 50*time.Millisecond, "Delay between steps")
	stopAfter := fs.Duration("stop-after", 0, "Cancel the session after this long (0 disables)")
	timeout := fs.Duration("timeout", 10*time.Second, "Give up waiting for the session to end")
	if err := fs.Parse(args); err != nil {
		return err
	}

	steps, err := recognizer.ParseScript(*script)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := gateway.New(log)
	defer g.Close()
	sub, err := g.Subscribe("speechctl")
	if err != nil {
		return err
	}

	rec := recognizer.NewScripted(*step, []recognizer.Script{steps}, log)
	defer rec.Close()
	m := speech.NewMachine(rec, g, speech.Options{DefaultLocale: *locale, Logger: log})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	session, err := m.Start(ctx, speech.StartOptions{})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s started (locale %s)\n", session.ID, session.Locale)

	if *stopAfter > 0 {
		time.AfterFunc(*stopAfter, func() { _ = m.Stop(context.Background()) })
	}

	for {
		select {
		case evt := <-sub.Events():
			fmt.Fprintln(out, evt.String())
			if evt.Terminal() {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("session did not end: %w", ctx.Err())
		}
	}
}

func runControl(command string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (bus settings)")
	servers := fs.String("servers", "", "Comma separated NATS servers, overrides config")
	locale := fs.String("locale", "", "Locale for start or locale")
	audio := fs.String("audio", "", "WAV asset to transcribe instead of live capture (start)")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *servers != "" {
		cfg.Bus.Servers = strings.Split(*servers, ",")
	}

	var subject string
	var req any = struct{}{}
	switch command {
	case "start":
		subject = protocol.SubjectControlStart
		req = protocol.StartRequest{Locale: *locale, AudioPath: *audio}
	case "stop":
		subject = protocol.SubjectControlStop
	case "status":
		subject = protocol.SubjectControlStatus
	case "locale":
		if *locale == "" {
			return errors.New("locale requires -locale")
		}
		subject = protocol.SubjectControlLocale
		req = protocol.LocaleRequest{Locale: *locale}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client, err := bus.Connect(ctx, cfg.Bus, "speechctl", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.Reply
	if err := client.RequestJSON(ctx, subject, req, &reply); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("%s: %s", reply.Code, reply.Error)
	}
	return nil
}
