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
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/speechviz/internal/bus"
	"github.com/loqalabs/speechviz/internal/config"
	"github.com/loqalabs/speechviz/internal/interpret"
	"github.com/loqalabs/speechviz/internal/palette"
	"github.com/loqalabs/speechviz/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const defaultServer = "nats://localhost:4222"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say', 'watch', 'match', 'colors' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "say":
		err = runSay(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "match":
		err = runMatch(os.Args[2:])
	case "colors":
		err = runColors(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(server string) (*bus.Client, error) {
	cfg := config.Default().Bus
	cfg.Servers = []string{server}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(context.Background(), cfg, logger)
}

// runSay publishes the remaining arguments as one transcript.
func runSay(args []string) error {
	fs := flag.NewFlagSet("say", flag.ExitOnError)
	server := fs.String("server", defaultServer, "NATS server URL")
	session := fs.String("session", "", "Session id (random when empty)")
	partial := fs.Bool("partial", false, "Publish as an interim result")
	fs.Parse(args)

	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("nothing to say")
	}
	if *session == "" {
		*session = uuid.NewString()
	}

	client, err := connect(*server)
	if err != nil {
		return err
	}
	defer client.Close()

	subject := protocol.SubjectTranscriptFinal
	if *partial {
		subject = protocol.SubjectTranscriptPartial
	}
	data, err := json.Marshal(protocol.Transcript{
		SessionID:  *session,
		Text:       text,
		Partial:    *partial,
		Timestamp:  time.Now().UTC(),
		Confidence: 1,
	})
	if err != nil {
		return err
	}
	if err := client.Conn().Publish(subject, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := client.Conn().Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	fmt.Printf("%s %s %q\n", subject, *session, text)
	return nil
}

// runWatch prints relayed speech events until interrupted.
func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	server := fs.String("server", defaultServer, "NATS server URL")
	fs.Parse(args)

	client, err := connect(*server)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.Conn().Subscribe("speech.*", func(msg *nats.Msg) {
		fmt.Printf("[%s] %s\n", msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

// runMatch shows what the display would make of a transcript.
func runMatch(args []string) error {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	file := fs.String("file", "", "xkcd color dataset (embedded default when empty)")
	fs.Parse(args)

	table, err := palette.Load(*file)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := interpret.New(table, logger).Match(strings.Join(fs.Args(), " "))

	fmt.Printf("text:   %s\n", r.Text)
	if r.HasColor() {
		fmt.Printf("color:  %s %s\n", r.ColorName, r.Color.Hex())
	}
	if r.HasNumber() {
		fmt.Printf("number: %d\n", r.Number)
	}
	return nil
}

func runColors(args []string) error {
	fs := flag.NewFlagSet("colors", flag.ExitOnError)
	file := fs.String("file", "xkcd.json", "xkcd color dataset to validate")
	fs.Parse(args)

	table, err := palette.Load(*file)
	if err != nil {
		return err
	}
	fmt.Printf("%d colors\n", table.Len())
	return nil
}
