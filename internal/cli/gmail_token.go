package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

// NewGmailTokenCommand creates the command that obtains a Gmail refresh
// token for inbox reads and notification sends
func NewGmailTokenCommand(opts *RootOptions) *cobra.Command {
	var redirectURL string
	cmd := &cobra.Command{
		Use:   "gmail-token",
		Short: "Authorize Gmail access and print a refresh token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(false)
			if err != nil {
				return err
			}
			if cfg.Email.ClientID == "" || cfg.Email.ClientSecret == "" {
				return fmt.Errorf("set GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET first")
			}

			oauthCfg := &oauth2.Config{
				ClientID:     cfg.Email.ClientID,
				ClientSecret: cfg.Email.ClientSecret,
				Scopes:       []string{gmail.GmailReadonlyScope, gmail.GmailSendScope},
				Endpoint:     google.Endpoint,
				RedirectURL:  redirectURL,
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Go to the following link in your browser:\n%s\n", oauthCfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline))
			fmt.Fprint(out, "\nEnter the authorization code: ")

			code, err := readLine(cmd.InOrStdin())
			if err != nil || code == "" {
				return fmt.Errorf("no authorization code given")
			}

			tok, err := oauthCfg.Exchange(cmd.Context(), code)
			if err != nil {
				return fmt.Errorf("unable to retrieve token: %w", err)
			}
			if tok.RefreshToken == "" {
				return fmt.Errorf("no refresh token returned; revoke the app's access and try again")
			}

			fmt.Fprintln(out, "\nAdd the refresh token to your environment:")
			fmt.Fprintf(out, "export GMAIL_REFRESH_TOKEN=%q\n", tok.RefreshToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&redirectURL, "redirect-url", "http://localhost:8080/callback", "OAuth redirect URL registered for the client")
	return cmd
}
