package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dskow/cms-edge/internal/netmon"
)

func newProbeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Probe an upstream health endpoint once",
		Long: `Send one HEAD request the way the edge's network monitor does and
print the round trip and the quality score derived from it.

Example:
  cmsctl probe http://localhost:1337 --path /api/health`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := readSettings(v)
			if err != nil {
				return err
			}
			prober := netmon.NewHTTPProber(args[0], v.GetString("path"), &http.Client{Timeout: s.Timeout})
			rtt, err := prober.Probe(cmd.Context())
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s%s: %v\n", badColor.Sprint("DOWN"), prober.BaseURL, prober.Path, err)
				return fmt.Errorf("probe failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s%s rtt=%s quality=%s\n",
				okColor.Sprint("UP"), prober.BaseURL, prober.Path, rtt.Round(100*time.Microsecond), qualityLabel(netmon.RTTQuality(rtt)))
			return nil
		},
	}
	cmd.Flags().String("path", netmon.DefaultHealthPath, "Health path probed on the upstream")
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		panic(fmt.Sprintf("binding probe flags: %v", err))
	}
	return cmd
}
