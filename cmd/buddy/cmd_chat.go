package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/buddy/internal/render"
	"github.com/user/buddy/internal/session"
	"github.com/user/buddy/internal/types"
)

var chatSessionID string

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "session id to send (default: a fresh id)")
}

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message and stream the reply, or start an interactive prompt",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx, cancel := context.WithCancelCause(cmd.Context())
		defer cancel(nil)

		a, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		r := render.New(os.Stdout)
		ctrl := session.New(a.client, a.store, a.agentURL(streamPath), session.WithObserver(r.Event))

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go watchInterrupts(ctx, sigChan, ctrl, cancel)

		sessionID := a.store.SessionID()
		if chatSessionID != "" {
			sessionID = types.SessionID(chatSessionID)
		}

		if len(args) > 0 {
			if err := send(ctx, ctrl, r, sessionID, strings.Join(args, " ")); err != nil {
				return err
			}
			return context.Cause(ctx)
		}
		return chatLoop(ctx, a, ctrl, r, os.Stdin, sessionID)
	},
}

// errInterrupted ends the command when Ctrl-C arrives with no stream
// running. main maps it to exit status 130.
var errInterrupted = errors.New("interrupted")

// watchInterrupts makes a signal cancel the active stream. With no stream
// running it cancels ctx with errInterrupted so the command unwinds.
func watchInterrupts(ctx context.Context, sigs <-chan os.Signal, ctrl *session.Controller, cancel context.CancelCauseFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			if ctrl.State() == session.StateStreaming {
				ctrl.Cancel()
				continue
			}
			cancel(errInterrupted)
			return
		}
	}
}

func send(ctx context.Context, ctrl *session.Controller, r *render.Renderer, sessionID types.SessionID, message string) error {
	out, err := ctrl.Start(ctx, sessionID, message)
	if out != nil {
		r.Outcome(out)
	}
	return err
}

const chatHelp = `Commands:
  /new                  start a new session
  /activity [type ...]  show this session's activity, optionally by type
  /activity json        export this session's activity as JSON
  /metrics              show cumulative metrics
  /reset                clear this session's activity
  /reset-metrics        zero the metrics
  /quit                 exit`

// readLines feeds lines from in to the returned channel, which is closed
// on EOF or a read error.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("read input failed", "error", err)
		}
	}()
	return lines
}

func chatLoop(ctx context.Context, a *app, ctrl *session.Controller, r *render.Renderer, in io.Reader, sessionID types.SessionID) error {
	lines := readLines(in)
	fmt.Printf("Session %s. Type /help for commands.\n", sessionID)

	for {
		fmt.Print("> ")
		var raw string
		select {
		case <-ctx.Done():
			fmt.Println()
			return context.Cause(ctx)
		case l, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			raw = l
		}
		line := strings.TrimSpace(raw)

		switch line {
		case "":
		case "/help":
			fmt.Println(chatHelp)
		case "/quit", "/exit":
			return nil
		case "/new":
			sessionID = a.store.NewSession()
			fmt.Printf("Session %s.\n", sessionID)
		case "/metrics":
			render.Metrics(os.Stdout, a.store.Metrics())
		case "/reset":
			a.store.ResetActivity()
			fmt.Println("Activity cleared.")
		case "/reset-metrics":
			if err := a.store.ResetMetrics(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
				continue
			}
			fmt.Println("Metrics reset.")
		default:
			if cmdName, arg, _ := strings.Cut(line, " "); cmdName == "/activity" {
				showActivity(a, arg)
				continue
			}
			if strings.HasPrefix(line, "/") {
				fmt.Printf("Unknown command %s. Type /help for commands.\n", line)
				continue
			}
			if err := send(ctx, ctrl, r, sessionID, line); err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
			}
		}
	}
}

// showActivity handles "/activity", "/activity <type>..." and
// "/activity json".
func showActivity(a *app, arg string) {
	fields := strings.Fields(arg)
	if len(fields) == 1 && fields[0] == "json" {
		if err := render.ActivityJSON(os.Stdout, a.store.Activity()); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return
	}
	kinds, err := parseKinds(fields)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return
	}
	render.Activity(os.Stdout, render.FilterActivity(a.store.Activity(), kinds...))
}
