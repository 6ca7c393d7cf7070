package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/camarigor/bitaxe-sentry/internal/alerts"
	"github.com/camarigor/bitaxe-sentry/internal/collector"
	"github.com/camarigor/bitaxe-sentry/internal/difficulty"
	"github.com/camarigor/bitaxe-sentry/internal/mute"
	"github.com/camarigor/bitaxe-sentry/internal/storage"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll every configured miner once",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		a, err := openApp(configViper)
		if err != nil {
			return err
		}
		defer a.Close()

		dispatcher := alerts.NewDispatcher(a.settings, a.mutes, alerts.NewWebhookSender(), alerts.WithHistory(a.store))
		poller := collector.NewPoller(a.settings, a.store, collector.NewMinerClient(minerTimeout), dispatcher)
		defer poller.Close()
		n := poller.PollOnce(c.Context())
		fmt.Fprintf(c.OutOrStdout(), "polled %d of %d miners\n", n, len(a.settings.Current().EndpointURLs()))
		return nil
	},
}

var minersCmd = &cobra.Command{
	Use:   "miners",
	Short: "List miners with their latest reading",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		a, err := openApp(configViper)
		if err != nil {
			return err
		}
		defer a.Close()

		miners, err := a.store.GetMinersWithLatest(c.Context())
		if err != nil {
			return err
		}
		if len(miners) == 0 {
			fmt.Fprintln(c.OutOrStdout(), "> No miners found")
			return nil
		}
		renderTable(c.OutOrStdout(), []string{"id", "name", "endpoint", "hashrate", "temp", "voltage", "best diff", "last seen", "muted"},
			minerRows(miners, a.mutes, time.Now()))
		return nil
	},
}

func minerRows(miners []*storage.MinerWithLatest, mutes *mute.Registry, now time.Time) [][]string {
	rows := make([][]string, 0, len(miners))
	for _, m := range miners {
		row := []string{strconv.FormatInt(m.ID, 10), m.Name, m.Endpoint}
		if r := m.Latest; r != nil {
			row = append(row,
				fmt.Sprintf("%.2f GH/s", r.HashRate),
				fmt.Sprintf("%.1f°C", r.Temperature),
				fmt.Sprintf("%.2fV", r.Voltage),
				difficulty.Format(r.BestDiff),
				humanize.RelTime(r.Timestamp, now, "ago", "from now"))
		} else {
			row = append(row, "-", "-", "-", "-", "never")
		}
		muted := "no"
		if e, ok := mutes.Status(m.ID); ok {
			muted = "until " + e.Until().Local().Format("15:04")
		}
		rows = append(rows, append(row, muted))
	}
	return rows
}

var muteCmd = &cobra.Command{
	Use:   "mute",
	Short: "Manage per-miner alert mutes",
}

var muteSetCmd = &cobra.Command{
	Use:   "set [id] [minutes]",
	Short: "Mute alerts for a miner",
	Args:  cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		minutes, err := strconv.Atoi(args[1])
		if err != nil || minutes <= 0 {
			return fmt.Errorf("minutes must be a positive integer")
		}
		return withMiner(c.Context(), id, func(a *app, m *storage.Miner) error {
			if !a.mutes.Set(m.ID, minutes) {
				return fmt.Errorf("failed to mute %s", m.Name)
			}
			fmt.Fprintf(c.OutOrStdout(), "> Muted %s for %d minutes\n", m.Name, minutes)
			return nil
		})
	},
}

var muteClearCmd = &cobra.Command{
	Use:   "clear [id]",
	Short: "Remove a miner's mute",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withMiner(c.Context(), id, func(a *app, m *storage.Miner) error {
			if !a.mutes.Clear(m.ID) {
				return fmt.Errorf("failed to unmute %s", m.Name)
			}
			fmt.Fprintf(c.OutOrStdout(), "> Unmuted %s\n", m.Name)
			return nil
		})
	},
}

var muteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active mutes",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		a, err := openApp(configViper)
		if err != nil {
			return err
		}
		defer a.Close()

		active := a.mutes.List()
		if len(active) == 0 {
			fmt.Fprintln(c.OutOrStdout(), "> No active mutes")
			return nil
		}
		ids := make([]int64, 0, len(active))
		for id := range active {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		now := time.Now()
		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			e := active[id]
			rows = append(rows, []string{
				strconv.FormatInt(id, 10),
				strconv.Itoa(e.DurationMinutes),
				e.Until().Local().Format("2006-01-02 15:04"),
				humanize.RelTime(e.Until(), now, "ago", "left"),
			})
		}
		renderTable(c.OutOrStdout(), []string{"miner", "minutes", "until", "remaining"}, rows)
		return nil
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid miner id %q", s)
	}
	return id, nil
}

func withMiner(ctx context.Context, id int64, fn func(*app, *storage.Miner) error) error {
	a, err := openApp(configViper)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.store.GetMiner(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("miner %d not found", id)
	}
	return fn(a, m)
}

func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(data)
	table.Render()
}
