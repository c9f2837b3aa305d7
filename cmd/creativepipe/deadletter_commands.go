package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"creativepipe/internal/bus"
	"creativepipe/internal/bus/sqlitebus"
	"creativepipe/internal/campaign"
	"creativepipe/internal/config"
	"creativepipe/internal/events"
	"creativepipe/internal/store"
)

func newDeadLettersCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "Inspect parked messages",
	}
	cmd.AddCommand(newDeadLettersListCommand(ctx))
	return cmd
}

type deadLetterRow struct {
	CampaignID string `json:"campaign_id"`
	campaign.DeadLetter
}

func newDeadLettersListCommand(ctx *commandContext) *cobra.Command {
	var (
		fromBus bool
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters recorded on campaigns, or parked on the sqlite bus with --bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if fromBus {
				parked, err := busDeadLetters(cmd.Context(), cfg, limit)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, parked)
				}
				if len(parked) == 0 {
					fmt.Fprintln(out, "No parked messages")
					return nil
				}
				fmt.Fprintln(out, renderParked(parked))
				return nil
			}

			return ctx.withStore(cmd.Context(), func(st store.Store) error {
				rows, err := collectDeadLetters(cmd.Context(), st, limit)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, rows)
				}
				if len(rows) == 0 {
					fmt.Fprintln(out, "No dead letters recorded")
					return nil
				}
				tableRows := make([][]string, 0, len(rows))
				for _, r := range rows {
					tableRows = append(tableRows, deadLetterCells(r.CampaignID, r.DeadLetter))
				}
				fmt.Fprintln(out, renderTable(deadLetterHeaders, tableRows, deadLetterAligns))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&fromBus, "bus", false, "Read parked deliveries from the sqlite bus")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

// collectDeadLetters walks every campaign page and returns the newest dead
// letters first.
func collectDeadLetters(ctx context.Context, st store.Campaigns, limit int) ([]deadLetterRow, error) {
	var rows []deadLetterRow
	filter := store.ListFilter{Page: 1, PageSize: store.MaxPageSize}
	for {
		items, total, err := st.ListCampaigns(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, c := range items {
			for _, dl := range c.DeadLetters {
				rows = append(rows, deadLetterRow{CampaignID: c.ID, DeadLetter: dl})
			}
		}
		if len(items) == 0 || filter.Page*filter.PageSize >= total {
			break
		}
		filter.Page++
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].At.After(rows[j].At) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func busDeadLetters(ctx context.Context, cfg *config.Config, limit int) ([]bus.DeadLetter, error) {
	if cfg.Bus.Backend != config.BusSQLite {
		return nil, fmt.Errorf("--bus requires the sqlite bus backend (configured: %s); inspect NATS advisories instead", cfg.Bus.Backend)
	}
	b, err := sqlitebus.Open(cfg.Bus.SQLitePath, sqlitebus.Options{})
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return b.DeadLetters(ctx, limit)
}

var (
	deadLetterHeaders = []string{"Campaign", "Stage", "Locale", "Ratio", "Deliveries", "Reason", "At"}
	deadLetterAligns  = []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft}
)

func deadLetterCells(campaignID string, dl campaign.DeadLetter) []string {
	return []string{
		campaignID,
		dl.Stage,
		dl.Locale,
		dl.AspectRatio,
		strconv.Itoa(dl.Deliveries),
		dl.Reason,
		dl.At.Local().Format(time.DateTime),
	}
}

func renderDeadLetterRows(campaignID string, dls []campaign.DeadLetter) string {
	rows := make([][]string, 0, len(dls))
	for _, dl := range dls {
		rows = append(rows, deadLetterCells(campaignID, dl))
	}
	return renderTable(deadLetterHeaders, rows, deadLetterAligns)
}

func renderParked(parked []bus.DeadLetter) string {
	rows := make([][]string, 0, len(parked))
	for _, dl := range parked {
		campaignID, locale := "", ""
		if env, err := events.Decode(dl.Data); err == nil {
			campaignID, locale = env.CampaignID, env.Locale
		}
		rows = append(rows, []string{
			dl.Stream,
			dl.Consumer,
			strconv.FormatUint(dl.Sequence, 10),
			campaignID,
			locale,
			strconv.Itoa(dl.NumDelivered),
			dl.Reason,
			dl.ParkedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(
		[]string{"Stream", "Consumer", "Seq", "Campaign", "Locale", "Deliveries", "Reason", "Parked"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}
