// ABOUTME: Operator commands that act on the identity and credential database
// ABOUTME: Role promotion and demotion, identity lookup and passkey cleanup

package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/forum-auth/internal/store"
)

// openStore opens the database named by the resolved config.
func openStore(configFlag string) (*store.SQLiteStore, error) {
	cfg, _, err := loadConfig(configFlag)
	if err != nil {
		return nil, err
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return db, nil
}

func roleCmd(configFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage identity roles",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <identity-id> <user|admin>",
		Short: "Promote or demote an identity",
		Long: "Sets the role of an identity. Demotion takes effect on the next admin " +
			"request; live admin sessions are rechecked on every call.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := store.ParseRole(args[1])
			if err != nil {
				return err
			}

			db, err := openStore(*configFlag)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.SetIdentityRole(cmd.Context(), args[0], role); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("identity %s not found", args[0])
				}
				return fmt.Errorf("setting role: %w", err)
			}

			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprint(out, "✓ ")
			fmt.Fprintf(out, "%s is now %s\n", args[0], role)
			return nil
		},
	})
	return cmd
}

func identityCmd(configFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect identities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <identity-id>",
		Short: "Show an identity and its passkeys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(*configFlag)
			if err != nil {
				return err
			}
			defer db.Close()

			identity, err := db.GetIdentity(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("identity %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("loading identity: %w", err)
			}
			creds, err := db.ListCredentialsByOwner(cmd.Context(), identity.ID)
			if err != nil {
				return fmt.Errorf("listing credentials: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "  Identity ID:    %s\n", identity.ID)
			fmt.Fprintf(out, "  Display Name:   %s\n", identity.DisplayName)
			fmt.Fprintf(out, "  Contact:        %s\n", identity.Contact)
			if identity.IsAdmin() {
				color.New(color.FgYellow).Fprintf(out, "  Role:           %s\n", identity.Role)
			} else {
				fmt.Fprintf(out, "  Role:           %s\n", identity.Role)
			}
			fmt.Fprintf(out, "  Created:        %s\n", identity.CreatedAt.Format("Jan 02 2006 15:04"))
			fmt.Fprintf(out, "  Passkeys:       %d\n", len(creds))
			return nil
		},
	})
	return cmd
}

func credentialsCmd(configFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage registered passkeys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <identity-id>",
		Short: "List an identity's passkeys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(*configFlag)
			if err != nil {
				return err
			}
			defer db.Close()

			creds, err := db.ListCredentialsByOwner(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("listing credentials: %w", err)
			}
			printCredentials(cmd.OutOrStdout(), creds)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <credential-id>",
		Short: "Delete a passkey by its base64url credential id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCredentialID(args[0])
			if err != nil {
				return err
			}

			db, err := openStore(*configFlag)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.DeleteCredential(cmd.Context(), id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("credential %s not found", args[0])
				}
				return fmt.Errorf("deleting credential: %w", err)
			}

			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprint(out, "✓ ")
			fmt.Fprintf(out, "deleted credential %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func printCredentials(out io.Writer, creds []*store.Credential) {
	if len(creds) == 0 {
		fmt.Fprintln(out, "  (no passkeys)")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tCOUNTER\tTRANSPORTS\tCREATED\tLAST USED")
	fmt.Fprintln(w, "  --\t-------\t----------\t-------\t---------")
	for _, c := range creds {
		lastUsed := "never"
		if c.LastUsedAt != nil {
			lastUsed = c.LastUsedAt.Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%d\t%s\t%s\t%s\n",
			base64.RawURLEncoding.EncodeToString(c.ID),
			c.SignCount,
			formatTransports(c.Transports),
			c.CreatedAt.Format("Jan 02 15:04"),
			lastUsed,
		)
	}
	w.Flush()
}

// parseCredentialID accepts base64url with or without padding, as browsers
// and the service logs print it.
func parseCredentialID(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	id, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(id) == 0 {
		return nil, fmt.Errorf("credential id %q is not base64url", s)
	}
	return id, nil
}

func formatTransports(raw string) string {
	var transports []string
	if err := json.Unmarshal([]byte(raw), &transports); err != nil || len(transports) == 0 {
		return "-"
	}
	return strings.Join(transports, ",")
}
