package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-trap/common/middleware"
)

var (
	tokenSubject string
	tokenRoles   []string
	tokenTTL     time.Duration
	tokenSecret  string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	Long:  "Sign a token with the configured auth.jwt_secret (or --secret) for use with --token or an Authorization header.",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret = cfg.Auth.JWTSecret
		}
		if secret == "" {
			return fmt.Errorf("no signing secret: set auth.jwt_secret or pass --secret")
		}

		token, err := middleware.NewTokenAuth(secret).Issue(tokenSubject, tokenRoles, tokenTTL)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "trap-cli", "token subject")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "role claim (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (default: auth.jwt_secret)")
}
