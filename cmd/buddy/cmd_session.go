package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/buddy/internal/render"
	"github.com/user/buddy/internal/state"
	"github.com/user/buddy/internal/types"
)

var (
	sessionShowLimit int
	sessionShowTypes []string
	sessionShowJSON  bool
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionNewCmd, sessionListCmd, sessionShowCmd, sessionReplayCmd, sessionClearCmd)
	sessionShowCmd.Flags().IntVar(&sessionShowLimit, "limit", 50, "number of most recent entries to show (0 for all)")
	sessionShowCmd.Flags().StringSliceVar(&sessionShowTypes, "type", nil, "only show these event types (token, tool_call, tool_result, done)")
	sessionShowCmd.Flags().BoolVar(&sessionShowJSON, "json", false, "write entries as JSON")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect journaled sessions",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Print a fresh session id for use with chat --session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(types.NewSessionID())
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		journal := state.NewJournal(cfg.DataDir)
		ctx := cmd.Context()

		ids, err := journal.Sessions(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(ids) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEVENTS\tLAST ACTIVITY")
		for _, id := range ids {
			count, err := journal.Count(ctx, id)
			if err != nil {
				count = 0
			}
			last := "-"
			if entries, err := journal.Tail(ctx, id, 1); err == nil && len(entries) == 1 {
				last = time.UnixMilli(entries[0].Timestamp).Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", id, count, last)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session's journaled activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		kinds, err := parseKinds(sessionShowTypes)
		if err != nil {
			return err
		}
		entries, err := readJournal(cmd.Context(), cfg.DataDir, args[0], sessionShowLimit)
		if err != nil {
			return err
		}
		entries = render.FilterActivity(entries, kinds...)
		if sessionShowJSON {
			return render.ActivityJSON(os.Stdout, entries)
		}
		render.Activity(os.Stdout, entries)
		return nil
	},
}

var sessionReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Fold a session's journal into fresh metrics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := cmd.Context()

		entries, err := readJournal(ctx, cfg.DataDir, args[0], 0)
		if err != nil {
			return err
		}

		store, err := state.NewStore(ctx, state.NewMemoryKV(), state.Settings{})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			store.Apply(entry.Payload)
		}

		fmt.Printf("Replayed %d events from %s\n\n", len(entries), args[0])
		render.Metrics(os.Stdout, store.Metrics())
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Delete a session's journal or all journals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessionsDir := filepath.Join(cfg.DataDir, "sessions")

		if args[0] == "all" {
			if err := os.RemoveAll(sessionsDir); err != nil {
				return fmt.Errorf("remove sessions directory: %w", err)
			}
			fmt.Println("All sessions cleared.")
			return nil
		}

		id, err := validSessionID(sessionsDir, args[0])
		if err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(sessionsDir, args[0])); os.IsNotExist(err) {
			return fmt.Errorf("session not found: %s", args[0])
		}
		if err := state.NewJournal(cfg.DataDir).Remove(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Session %s cleared.\n", args[0])
		return nil
	},
}

// validSessionID rejects ids that would resolve outside sessionsDir.
func validSessionID(sessionsDir, raw string) (types.SessionID, error) {
	resolved, err := filepath.Abs(filepath.Join(sessionsDir, raw))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	absSessionsDir, _ := filepath.Abs(sessionsDir)
	if !strings.HasPrefix(resolved, absSessionsDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid session ID: %s", raw)
	}
	return types.SessionID(raw), nil
}

func readJournal(ctx context.Context, dataDir, raw string, limit int) ([]types.ActivityEntry, error) {
	id, err := validSessionID(filepath.Join(dataDir, "sessions"), raw)
	if err != nil {
		return nil, err
	}
	entries, err := state.NewJournal(dataDir).Tail(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("session not found: %s", raw)
	}

	out := make([]types.ActivityEntry, len(entries))
	for i, entry := range entries {
		out[i] = *entry
	}
	return out, nil
}

func parseKinds(names []string) ([]types.EventKind, error) {
	kinds := make([]types.EventKind, 0, len(names))
	for _, name := range names {
		k, err := types.ParseKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
