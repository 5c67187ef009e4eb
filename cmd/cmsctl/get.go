package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dskow/cms-edge/internal/apiclient"
	"github.com/dskow/cms-edge/internal/retry"
	"github.com/dskow/cms-edge/internal/routing"
)

func newGetCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Fetch content from the CMS through a local API client",
		Long: `Fetch one path from the CMS API with the edge's client stack: retries,
circuit breaking and the content-class caching preset.

Examples:
  cmsctl get /articles --class list
  cmsctl get /pages/about --batch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := readSettings(v)
			if err != nil {
				return err
			}
			class, err := routing.ParseContentClass(v.GetString("class"))
			if err != nil {
				return err
			}
			return runGet(cmd, s, args[0], class, v.GetBool("batch"), v.GetInt("attempts"))
		},
	}
	cmd.Flags().String("class", string(routing.ClassDynamic), "Content class: static or list or dynamic")
	cmd.Flags().Bool("batch", false, "Send the request through the batch queue")
	cmd.Flags().Int("attempts", retry.DefaultConfig().MaxAttempts, "Total attempts including the first")
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		panic(fmt.Sprintf("binding get flags: %v", err))
	}
	return cmd
}

func runGet(cmd *cobra.Command, s settings, path string, class routing.ContentClass, batch bool, attempts int) error {
	rc := retry.DefaultConfig()
	if attempts > 0 {
		rc.MaxAttempts = attempts
	}
	client, err := apiclient.New(apiclient.Config{
		BaseURL: s.Upstream,
		Token:   s.Token,
		Timeout: s.Timeout,
		Retry:   rc,
	}, apiclient.Deps{Logger: clientLogger(cmd, s)})
	if err != nil {
		return err
	}
	defer client.Close()

	opts := apiclient.OptionsFor(class)
	if batch {
		opts.Batch = &apiclient.BatchOptions{}
	}
	resp, err := client.Get(cmd.Context(), path, opts)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s group=%s status=%d cache=%s\n",
		labelColor.Sprint("GET"), path, resp.Group, resp.StatusCode, resp.CacheStatus())

	var pretty bytes.Buffer
	if json.Indent(&pretty, resp.Body, "", "  ") == nil {
		pretty.WriteByte('\n')
		_, err = cmd.OutOrStdout().Write(pretty.Bytes())
		return err
	}
	_, err = cmd.OutOrStdout().Write(resp.Body)
	return err
}
