package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/sandlink/internal/auth"
	"github.com/ehrlich-b/sandlink/internal/config"
)

func loginCmd() *cobra.Command {
	var token, endpoint string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the credential used to connect to the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if token == "" {
				fd := int(os.Stdin.Fd())
				if !term.IsTerminal(fd) {
					return fmt.Errorf("--token is required when stdin is not a terminal")
				}
				fmt.Print("token: ")
				raw, err := term.ReadPassword(fd)
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimSpace(string(raw))
			}
			if endpoint != "" {
				probe := config.Default()
				probe.Agent.Endpoint = endpoint
				if err := probe.RequireEndpoint(); err != nil {
					return err
				}
			}

			cred := &auth.Credential{Token: token, Endpoint: endpoint}
			if err := auth.NewTokenStore(e.dir).Save(cred); err != nil {
				return err
			}
			u := auth.CurrentUser(token)
			fmt.Printf("logged in as %s\n", u.Display())
			if cred.ExpiresAt > 0 {
				fmt.Printf("credential expires %s\n", time.Unix(cred.ExpiresAt, 0).Format(time.RFC1123))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the agent (prompted if omitted)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "agent websocket URL to remember with the token")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			if err := auth.NewTokenStore(e.dir).Delete(); err != nil {
				return err
			}
			fmt.Println("logged out")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show who the saved credential belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			token, err := e.token()
			if err != nil {
				return err
			}
			u := auth.CurrentUser(token)
			fmt.Println(u.Display())
			if u.Email != "" && u.Email != u.Display() {
				fmt.Printf("  email:   %s\n", u.Email)
			}
			if !u.ExpiresAt.IsZero() {
				fmt.Printf("  expires: %s\n", u.ExpiresAt.Format(time.RFC1123))
			}
			return nil
		},
	}
}
