package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dskow/cms-edge/internal/apiclient"
	"github.com/dskow/cms-edge/internal/apierror"
)

// adminClient calls the admin API of one edge.
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(s settings) *adminClient {
	return &adminClient{base: s.Edge, http: &http.Client{Timeout: s.Timeout}}
}

func (a *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.base+"/admin"+path, nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling edge admin API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading admin response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e apierror.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, e.ErrorCode, e.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding admin response: %w", err)
	}
	return nil
}

func (a *adminClient) stats(ctx context.Context) (apiclient.Snapshot, error) {
	var snap apiclient.Snapshot
	err := a.do(ctx, http.MethodGet, "/stats", &snap)
	return snap, err
}

func newStatsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show breakers, cache, queue and network state of an edge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := readSettings(v)
			if err != nil {
				return err
			}
			snap, err := newAdminClient(s).stats(cmd.Context())
			if err != nil {
				return err
			}
			return writeStats(cmd.OutOrStdout(), snap)
		},
	}
}

func newFlushCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Dispatch every pending batch on an edge now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := readSettings(v)
			if err != nil {
				return err
			}
			if err := newAdminClient(s).do(cmd.Context(), http.MethodPost, "/queue/flush", nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okColor.Sprint("flushed"))
			return nil
		},
	}
}

func newRetryCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-queue the failed batch requests of an edge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := readSettings(v)
			if err != nil {
				return err
			}
			var out struct {
				Retried int `json:"retried"`
			}
			if err := newAdminClient(s).do(cmd.Context(), http.MethodPost, "/queue/retry", &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-queued %s failed requests\n", okColor.Sprint(out.Retried))
			return nil
		},
	}
}
