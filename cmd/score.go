package main

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/yanolja/failover/health"
)

func newScoreCmd() *cobra.Command {
	var (
		input        = health.DefaultInput()
		lastCheckAge time.Duration
		scorer       = health.DefaultScorer()
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute the health score of a provider from its statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if input.SuccessRate < 0 || input.SuccessRate > 1 {
				return fmt.Errorf("success rate must be in [0, 1]: %v", input.SuccessRate)
			}
			now := time.Now()
			if cmd.Flags().Changed("last-check-age") {
				input.LastCheck = now.Add(-lastCheckAge)
			}

			result := scorer.Score(input, now)
			encoded, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return err
		},
	}

	flags := cmd.Flags()
	flags.Float64Var(&input.SuccessRate, "success-rate", input.SuccessRate, "fraction of successful requests")
	flags.DurationVar(&input.AvgResponseTime, "avg-latency", 0, "average latency of successful requests")
	flags.DurationVar(&lastCheckAge, "last-check-age", 0, "time since the last health check")
	flags.DurationSliceVar(&input.RecentResponseTimes, "recent", nil, "recent latencies, oldest first")
	flags.DurationVar(&scorer.TargetResponseTime, "target", scorer.TargetResponseTime, "latency earning the full response score")
	flags.DurationVar(&scorer.MaxAcceptableResponseTime, "max-acceptable", scorer.MaxAcceptableResponseTime, "latency scoring zero")
	return cmd
}
