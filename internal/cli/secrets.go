package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"giftcard-autopilot-go/internal/secrets"
)

// NewSecretsCommand creates the secrets command group
func NewSecretsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted credential store",
		Long: `Manage the encrypted credential store. The master key is read from
secrets.master_key in the config file or the SECRETS_MASTER_KEY environment variable.`,
	}
	cmd.AddCommand(newSecretsInitCommand(opts))
	cmd.AddCommand(newSecretsSetCommand(opts))
	cmd.AddCommand(newSecretsVerifyCommand(opts))
	cmd.AddCommand(newSecretsRotateCommand(opts))
	return cmd
}

func openStore(opts *RootOptions) (*secrets.Store, error) {
	cfg, err := opts.load(false)
	if err != nil {
		return nil, err
	}
	if cfg.Secrets.Path == "" {
		return nil, fmt.Errorf("secrets path is required")
	}
	return secrets.Open(cfg.Secrets.Path, cfg.Secrets.MasterKey)
}

func newSecretsInitCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create an empty credential store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(false)
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Secrets.Path); err == nil {
				return fmt.Errorf("credential store %s already exists", cfg.Secrets.Path)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			store, err := secrets.Open(cfg.Secrets.Path, cfg.Secrets.MasterKey)
			if err != nil {
				return err
			}
			if err := store.Set(cmd.Context(), &secrets.Bundle{Services: map[string]secrets.ServiceCredentials{}}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created credential store %s\n", cfg.Secrets.Path)
			return nil
		},
	}
}

func newSecretsSetCommand(opts *RootOptions) *cobra.Command {
	var creds secrets.ServiceCredentials
	cmd := &cobra.Command{
		Use:   "set <service>",
		Short: "Store the login for a service (retailer, platform, email)",
		Long: `Store the login for a service. The password is read from the first line
of standard input when --password is not given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if creds.Password == "" {
				pw, err := readLine(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
				creds.Password = pw
			}
			if creds.Login == "" || creds.Password == "" {
				return fmt.Errorf("login and password are required")
			}
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			if err := store.SetCredentials(cmd.Context(), args[0], creds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored credentials for %s (%s)\n", args[0], creds)
			return nil
		},
	}
	cmd.Flags().StringVar(&creds.Login, "login", "", "login or e-mail for the service")
	cmd.Flags().StringVar(&creds.Password, "password", "", "password (read from stdin when empty)")
	cmd.Flags().StringVar(&creds.TOTPSecret, "totp-secret", "", "base32 TOTP seed for two-factor login")
	return cmd
}

func newSecretsVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that the master key opens the store and list the services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			bundle, err := store.Get(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Master key OK")
			if bundle == nil {
				return nil
			}
			names := make([]string, 0, len(bundle.Services))
			for name := range bundle.Services {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "  %s: %s\n", name, bundle.Services[name])
			}
			return nil
		},
	}
}

func newSecretsRotateCommand(opts *RootOptions) *cobra.Command {
	var newKey string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt the store under a new master key",
		Long: `Re-encrypt the store under a new master key. The new key is read from the
first line of standard input when --new-master-key is not given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if newKey == "" {
				k, err := readLine(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read new master key: %w", err)
				}
				newKey = k
			}
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			if err := store.Rotate(cmd.Context(), newKey); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Master key rotated; update SECRETS_MASTER_KEY")
			return nil
		},
	}
	cmd.Flags().StringVar(&newKey, "new-master-key", "", "new master key (read from stdin when empty)")
	return cmd
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
