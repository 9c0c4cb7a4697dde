package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtream1101/scrape-wallhaven/internal/api"
)

func newTokenCmd(opts *options) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for the operator API.",
		Long: `token signs a bearer token with metrics.token_secret. Send it as
"Authorization: Bearer <token>" to the /v1 routes of the operator server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Metrics.TokenSecret == "" {
				return errors.New("metrics.token_secret is not set")
			}
			if ttl <= 0 {
				return usageError{fmt.Errorf("--ttl must be positive, got %s", ttl)}
			}
			token, err := api.IssueToken([]byte(cfg.Metrics.TokenSecret), subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "subject recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "how long the token stays valid")
	return cmd
}
