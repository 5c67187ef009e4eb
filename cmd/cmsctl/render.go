package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/dskow/cms-edge/internal/apiclient"
	"github.com/dskow/cms-edge/internal/circuitbreaker"
	"github.com/dskow/cms-edge/internal/netmon"
)

var (
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow, color.Bold)
	badColor   = color.New(color.FgRed, color.Bold)
	labelColor = color.New(color.FgCyan)
)

// stateLabel colours a breaker state: closed green, half-open yellow, open red.
func stateLabel(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.StateOpen:
		return badColor.Sprint(s.String())
	case circuitbreaker.StateHalfOpen:
		return warnColor.Sprint(s.String())
	default:
		return okColor.Sprint(s.String())
	}
}

// qualityLabel colours a 0..1 link quality.
func qualityLabel(q float64) string {
	text := strconv.FormatFloat(q, 'f', 2, 64)
	switch {
	case q >= 0.7:
		return okColor.Sprint(text)
	case q >= 0.3:
		return warnColor.Sprint(text)
	default:
		return badColor.Sprint(text)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func writeStats(w io.Writer, snap apiclient.Snapshot) error {
	if err := writeBreakers(w, snap.Breakers); err != nil {
		return err
	}
	if err := writeCacheAndQueue(w, snap); err != nil {
		return err
	}
	return writeNetwork(w, snap.Network)
}

func writeBreakers(w io.Writer, breakers []circuitbreaker.Stats) error {
	fmt.Fprintln(w, labelColor.Sprint("Circuit breakers"))
	if len(breakers) == 0 {
		fmt.Fprintln(w, "  no upstream groups seen yet")
		return nil
	}
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Group", "State", "Failures", "Requests", "Last failure", "Since"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignLeft
	})
	var data [][]string
	for _, b := range breakers {
		data = append(data, []string{
			b.Group,
			stateLabel(b.State),
			strconv.Itoa(b.Failures),
			strconv.FormatInt(b.TotalRequests, 10),
			formatTime(b.LastFailureTime),
			formatTime(b.StateChangedAt),
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func writeCacheAndQueue(w io.Writer, snap apiclient.Snapshot) error {
	fmt.Fprintln(w, labelColor.Sprint("Cache and queue"))
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Metric", "Value"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignLeft
	})
	failed := strconv.Itoa(snap.Queue.FailedRequests)
	if snap.Queue.FailedRequests > 0 {
		failed = warnColor.Sprint(failed)
	}
	data := [][]string{
		{"cache entries", fmt.Sprintf("%d / %d", snap.Cache.Size, snap.Cache.MaxSize)},
		{"cache active", strconv.Itoa(snap.Cache.ActiveEntries)},
		{"queued requests", strconv.Itoa(snap.Queue.TotalRequests)},
		{"pending batches", strconv.Itoa(snap.Queue.BatchCount)},
		{"in flight", strconv.Itoa(snap.Queue.InFlightRequests)},
		{"failed", failed},
		{"oldest request", formatTime(snap.Queue.OldestRequest)},
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func writeNetwork(w io.Writer, st *netmon.State) error {
	fmt.Fprint(w, labelColor.Sprint("Network"), ": ")
	if st == nil {
		_, err := fmt.Fprintln(w, "monitor disabled")
		return err
	}
	conn := okColor.Sprint("connected")
	if !st.Connected {
		conn = badColor.Sprint("disconnected")
	}
	_, err := fmt.Fprintf(w, "%s, quality %s (as of %s)\n", conn, qualityLabel(st.Quality), formatTime(st.Timestamp))
	return err
}
