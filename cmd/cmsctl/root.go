package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	defaultEdgeURL     = "http://localhost:8080"
	defaultUpstreamURL = "http://localhost:1337/api"
	defaultTimeout     = 10 * time.Second
)

// settings is the merged view of flags, CMSCTL_* variables and
// .cmsctl.yaml.
type settings struct {
	Edge     string
	Upstream string
	Token    string
	Timeout  time.Duration
	Color    bool
	Verbose  bool
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "cmsctl",
		Short: "Operate and inspect the CMS edge.",
		Long: `cmsctl talks to the headless CMS through the same resilient client the
edge uses, and to a running edge through its admin API.

Settings come from flags, CMSCTL_* environment variables and an optional
.cmsctl.yaml in the working or home directory, in that order of precedence.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfigFile(v)
		},
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to config file")
	flags.String("edge", defaultEdgeURL, "Base URL of a running edge (admin API)")
	flags.String("upstream", defaultUpstreamURL, "Base URL of the CMS API")
	flags.String("token", "", "Bearer token for the CMS API")
	flags.Duration("timeout", defaultTimeout, "Per-request timeout")
	flags.String("color", "yes", "Colour output (yes/no/true/false/1/0)")
	flags.BoolP("verbose", "v", false, "Log client activity to stderr")
	if err := v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("binding root flags: %v", err))
	}

	v.SetEnvPrefix("CMSCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newGetCmd(v),
		newStatsCmd(v),
		newFlushCmd(v),
		newRetryCmd(v),
		newProbeCmd(v),
		newTokenCmd(v),
	)
	return root
}

// loadConfigFile merges .cmsctl.yaml when present. A missing file is fine.
func loadConfigFile(v *viper.Viper) error {
	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(".cmsctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func readSettings(v *viper.Viper) (settings, error) {
	s := settings{
		Edge:     strings.TrimRight(v.GetString("edge"), "/"),
		Upstream: strings.TrimRight(v.GetString("upstream"), "/"),
		Token:    v.GetString("token"),
		Timeout:  v.GetDuration("timeout"),
		Verbose:  v.GetBool("verbose"),
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	switch strings.ToLower(strings.TrimSpace(v.GetString("color"))) {
	case "", "yes", "true", "1":
		s.Color = true
	case "no", "false", "0":
		s.Color = false
	default:
		return s, fmt.Errorf("invalid --color value %q", v.GetString("color"))
	}
	color.NoColor = !s.Color
	return s, nil
}

// clientLogger is quiet unless --verbose is set.
func clientLogger(cmd *cobra.Command, s settings) *slog.Logger {
	level := slog.LevelError
	if s.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}
