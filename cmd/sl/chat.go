package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/sandlink/internal/session"
	"github.com/ehrlich-b/sandlink/internal/ws"
)

func chatCmd() *cobra.Command {
	var sessionID string
	var fresh bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a session and talk to the agent",
		Long:  "Resumes the most recent session unless --session or --new is given. Commands: /files, /reconnect, /quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := pickSession(e, sessionID, fresh)
			if err != nil {
				return err
			}

			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			r := newRenderer(os.Stdout, !interactive)
			o, err := e.orchestrator(r.update)
			if err != nil {
				return err
			}
			defer o.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			fmt.Printf("session %s\n", id)
			if err := o.Open(ctx, id); err != nil {
				if ws.IsFatal(err) {
					return err
				}
				fmt.Fprintf(os.Stderr, "connect failed: %v (use /reconnect)\n", err)
			}
			return chatLoop(ctx, o, r, interactive)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "local session id to open")
	cmd.Flags().BoolVar(&fresh, "new", false, "start a new session")
	return cmd
}

func pickSession(e *env, id string, fresh bool) (string, error) {
	if id != "" && fresh {
		return "", errors.New("--session and --new are exclusive")
	}
	if id != "" {
		return id, nil
	}
	if !fresh {
		list, err := e.store.ListSessions()
		if err != nil {
			return "", err
		}
		if len(list) > 0 {
			return list[0].ID, nil
		}
	}
	id = uuid.NewString()
	if err := e.store.CreateSession(id); err != nil {
		return "", err
	}
	return id, nil
}

func chatLoop(ctx context.Context, o *session.Orchestrator, r *renderer, interactive bool) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if interactive {
			fmt.Print("> ")
		}
		var line string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/files":
			r.wantFiles.Store(true)
			o.SetViewingCode(true)
			if err := o.RequestFiles(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "files: %v\n", err)
			}
			continue
		case "/reconnect":
			if err := o.Connect(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "reconnect: %v\n", err)
			}
			continue
		}

		if err := o.SendUserTurn(ctx, line); err != nil {
			var nc *ws.NotConnectedError
			if errors.As(err, &nc) {
				fmt.Fprintf(os.Stderr, "not sent: %v (try /reconnect)\n", err)
				continue
			}
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
	}
}
