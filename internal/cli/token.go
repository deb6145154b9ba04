package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/satriahrh/arunika/evi/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a relay client token",
	Long: `Issue a JWT that lets a browser open /ws on the relay.

The token is signed with RELAY_JWT_SECRET, which must match the secret
the relay was started with.`,
	RunE: runToken,
}

var (
	tokenClientFlag string
	tokenTTLFlag    time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenClientFlag, "client", "", "Client name carried in the token (required)")
	tokenCmd.Flags().DurationVar(&tokenTTLFlag, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	tokenCmd.MarkFlagRequired("client")
}

func runToken(cmd *cobra.Command, args []string) error {
	issuer, err := auth.NewTokenIssuer(os.Getenv("RELAY_JWT_SECRET"))
	if err != nil {
		return fmt.Errorf("RELAY_JWT_SECRET: %w", err)
	}

	token, expiresAt, err := issuer.GenerateClientToken(tokenClientFlag, tokenTTLFlag)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, token)
	fmt.Fprintf(cmd.ErrOrStderr(), "Expires at %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
