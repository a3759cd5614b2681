package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_mesh/internal/auth"
)

var (
	tokenKeyFile  string
	tokenIssuer   string
	tokenAudience string
	tokenService  string
	tokenTTL      time.Duration
)

// tokenCmd mints a service token for use with --token
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a signed service token",
	Long: `Mint an RS256 token for a service in the namespace. Nodes started with
AUTH_PUBLIC_KEY_FILE reject requests that do not carry a valid one.`,
	Example: `  meshctl token --key private.pem --service orders
  meshctl request orders orders.get --token "$(meshctl token --key private.pem --service meshctl)"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenKeyFile == "" {
			return fmt.Errorf("--key is required")
		}
		key, err := os.ReadFile(tokenKeyFile)
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		signer, err := auth.NewSigner(string(key), tokenIssuer, tokenAudience, namespace, tokenService, tokenTTL)
		if err != nil {
			return err
		}
		token, err := signer.Token()
		if err != nil {
			return err
		}
		out := map[string]string{
			"token":     token,
			"namespace": namespace,
			"service":   tokenService,
			"expiresIn": tokenTTL.String(),
		}
		return printOutput(cmd.OutOrStdout(), out, func(w io.Writer) {
			fmt.Fprintln(w, token)
		})
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenKeyFile, "key", "", "PEM encoded RSA private key")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "harbormesh", "token issuer")
	tokenCmd.Flags().StringVar(&tokenAudience, "audience", "harbormesh", "token audience")
	tokenCmd.Flags().StringVar(&tokenService, "service", "meshctl", "service id the token is issued to")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 15*time.Minute, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
