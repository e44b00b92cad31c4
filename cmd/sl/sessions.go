package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/sandlink/internal/session"
	"github.com/ehrlich-b/sandlink/internal/workspace"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List local sessions and the sandboxes they are bound to",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			list, err := e.store.ListSessions()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range list {
				sandbox := s.RemoteSandboxID
				if sandbox == "" {
					sandbox = "-"
				}
				fmt.Printf("%-36s  %-24s  %s  %s\n", s.ID, sandbox, ago(s.UpdatedAt), s.URL)
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print the stored turns of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			sess, err := e.store.LoadSession(args[0])
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("session %s not found", args[0])
			}
			msgs, err := e.store.ListMessages(sess.ID)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Printf("[%s] %s> %s\n", m.Timestamp.Format("2006-01-02 15:04"), m.Role, m.Content)
			}
			return nil
		},
	}
}

func pullCmd() *cobra.Command {
	var dir string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "pull <session-id>",
		Short: "Connect to a session's sandbox and mirror its files locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			changes := make(chan session.Snapshot, 1)
			o, err := e.orchestrator(latest(changes))
			if err != nil {
				return err
			}
			defer o.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := o.Open(ctx, args[0]); err != nil {
				return err
			}
			o.SetViewingCode(true)

			files, err := waitForFiles(ctx, changes)
			if err != nil {
				return err
			}
			res, err := workspace.New(dir, nil, e.log).Apply(files)
			if err != nil {
				return err
			}
			fmt.Printf("%d added, %d updated, %d unchanged", len(res.Added), len(res.Updated), len(res.Unchanged))
			if len(res.Rejected) > 0 {
				fmt.Printf(", %d rejected (unsafe paths)", len(res.Rejected))
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory to mirror into")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up if no listing arrives in time")
	return cmd
}

func waitForFiles(ctx context.Context, changes <-chan session.Snapshot) (map[string]string, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for file listing: %w", ctx.Err())
		case s := <-changes:
			switch {
			case s.FilesFetched:
				return s.Files, nil
			case s.Fatal:
				return nil, fmt.Errorf("connection failed: %w", s.LastError)
			}
		}
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Local().Format("2006-01-02")
}
