package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-trap/trap/internal/seeder"
)

var (
	seedSessions  int
	seedBatchSize int
	seedSpread    time.Duration
	seedAttackers int
	seedSeed      int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Send synthetic honeypot traffic to a running engine",
	Long: `Generate cowrie-style attacker sessions and POST them to the ingest API.

Examples:
  # 200 sessions spread over the last hour
  trap seed --sessions 200

  # A small attacker pool to provoke brute-force and reconnect indicators
  trap seed --sessions 100 --attackers 3 --seed 42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedSessions <= 0 {
			return fmt.Errorf("--sessions must be positive")
		}
		if seedBatchSize <= 0 {
			seedBatchSize = 500
		}
		seed := seedSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		opts := seeder.DefaultOptions()
		opts.Spread = seedSpread
		if seedAttackers > 0 {
			opts.Attackers = seedAttackers
		}
		records := seeder.New(seed, opts).Sessions(seedSessions, time.Now())

		c := apiClient()
		accepted, rejected := 0, 0
		for start := 0; start < len(records); start += seedBatchSize {
			end := min(start+seedBatchSize, len(records))
			res, err := c.SendEvents(cmd.Context(), records[start:end])
			if err != nil {
				return fmt.Errorf("send batch at record %d: %w", start, err)
			}
			accepted += res.Accepted
			rejected += res.Rejected
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d sessions: %d events accepted, %d rejected\n", seedSessions, accepted, rejected)
		return nil
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedSessions, "sessions", 100, "number of attacker sessions")
	seedCmd.Flags().IntVar(&seedBatchSize, "batch-size", 500, "records per request")
	seedCmd.Flags().DurationVar(&seedSpread, "spread", time.Hour, "time window sessions are spread across")
	seedCmd.Flags().IntVar(&seedAttackers, "attackers", 0, "attacker address pool size (default 25)")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (default: time based)")
}
