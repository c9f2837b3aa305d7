package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"creativepipe/internal/campaign"
	"creativepipe/internal/store"
)

const submitTimeout = 30 * time.Second

func newCampaignCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Submit and inspect campaigns",
	}
	cmd.AddCommand(newCampaignSubmitCommand(ctx))
	cmd.AddCommand(newCampaignListCommand(ctx))
	cmd.AddCommand(newCampaignShowCommand(ctx))
	cmd.AddCommand(newCampaignStatusCommand(ctx))
	return cmd
}

type submitResult struct {
	CampaignID    string          `json:"campaign_id"`
	CorrelationID string          `json:"correlation_id"`
	Status        campaign.Status `json:"status"`
	Error         string          `json:"error"`
	RequestID     string          `json:"request_id"`
}

func newCampaignSubmitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <brief.json|->",
		Short: "Submit a campaign brief to the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBrief(cmd, args[0])
			if err != nil {
				return err
			}
			base, err := ctx.gatewayURL()
			if err != nil {
				return err
			}
			result, err := submitBrief(cmd.Context(), base, body)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Campaign %s accepted (%s)\n", result.CampaignID, result.Status)
			fmt.Fprintf(out, "Correlation ID: %s\n", result.CorrelationID)
			return nil
		},
	}
}

func readBrief(cmd *cobra.Command, path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read brief: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("brief %s is not valid JSON", path)
	}
	return data, nil
}

func submitBrief(ctx context.Context, baseURL string, body []byte) (submitResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/campaigns", bytes.NewReader(body))
	if err != nil {
		return submitResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return submitResult{}, fmt.Errorf("contact gateway at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	var result submitResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return submitResult{}, fmt.Errorf("gateway returned %s with unreadable body: %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusAccepted {
		msg := result.Error
		if msg == "" {
			msg = resp.Status
		}
		return submitResult{}, fmt.Errorf("gateway rejected campaign (%d): %s", resp.StatusCode, msg)
	}
	return result, nil
}

func newCampaignListCommand(ctx *commandContext) *cobra.Command {
	var (
		statusFlag string
		page       int
		pageSize   int
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.ListFilter{Page: page, PageSize: pageSize}
			if strings.TrimSpace(statusFlag) != "" {
				status, err := campaign.ParseStatus(statusFlag)
				if err != nil {
					return err
				}
				filter.Status = status
			}
			filter = filter.Normalize()
			return ctx.withStore(cmd.Context(), func(st store.Store) error {
				items, total, err := st.ListCampaigns(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, map[string]any{
						"items":     items,
						"total":     total,
						"page":      filter.Page,
						"page_size": filter.PageSize,
					})
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No campaigns found")
					return nil
				}
				fmt.Fprintln(out, renderCampaignTable(items, useColor(out)))
				fmt.Fprintf(out, "Page %d (%d of %d campaigns)\n", filter.Page, len(items), total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status (PROCESSING, COMPLETED, FAILED)")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", store.DefaultPageSize, "Campaigns per page")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func renderCampaignTable(items []*campaign.Campaign, color bool) string {
	rows := make([][]string, 0, len(items))
	for _, c := range items {
		done, total := 0, 0
		for _, lp := range c.Progress() {
			done += lp.Completed
			total += lp.Total
		}
		rows = append(rows, []string{
			c.ID,
			statusCell(c.Status, color),
			strings.Join(c.TargetLocales, ","),
			strings.Join(c.Output.AspectRatios, ","),
			fmt.Sprintf("%d/%d", done, total),
			strconv.Itoa(len(c.DeadLetters)),
			c.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(
		[]string{"Campaign", "Status", "Locales", "Ratios", "Outputs", "Dead", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func newCampaignShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <campaign-id>",
		Short: "Print the full campaign document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(st store.Store) error {
				c, err := loadCampaign(cmd.Context(), st, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd, c)
			})
		},
	}
}

func newCampaignStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status <campaign-id>",
		Short: "Show per-locale progress for a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(st store.Store) error {
				c, err := loadCampaign(cmd.Context(), st, args[0])
				if err != nil {
					return err
				}
				stalled := c.Stalled(time.Now(), cfg.Pipeline.StaleAfter())
				if jsonOut {
					return writeJSON(cmd, map[string]any{
						"campaign_id":  c.ID,
						"status":       c.Status,
						"stalled":      stalled,
						"progress":     c.Progress(),
						"dead_letters": c.DeadLetters,
					})
				}
				renderStatus(cmd.OutOrStdout(), c, stalled)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func loadCampaign(ctx context.Context, st store.Campaigns, id string) (*campaign.Campaign, error) {
	c, err := st.GetCampaign(ctx, strings.TrimSpace(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("campaign %s not found", id)
	}
	return c, err
}

func renderStatus(out io.Writer, c *campaign.Campaign, stalled bool) {
	fmt.Fprintf(out, "Campaign: %s\n", c.ID)
	fmt.Fprintf(out, "Status:   %s\n", statusCell(c.Status, useColor(out)))
	if c.FailureReason != "" {
		fmt.Fprintf(out, "Reason:   %s\n", c.FailureReason)
	}
	fmt.Fprintf(out, "Stalled:  %s\n", yesNo(stalled))
	fmt.Fprintf(out, "Updated:  %s\n", c.UpdatedAt.Local().Format(time.DateTime))

	progress := c.Progress()
	locales := make([]string, 0, len(progress))
	for locale := range progress {
		locales = append(locales, locale)
	}
	sort.Strings(locales)

	headers := append([]string{"Locale"}, c.Output.AspectRatios...)
	headers = append(headers, "Done")
	rows := make([][]string, 0, len(locales))
	for _, locale := range locales {
		lp := progress[locale]
		row := []string{locale}
		for _, ratio := range c.Output.AspectRatios {
			row = append(row, yesNo(lp.Ratios[ratio]))
		}
		row = append(row, fmt.Sprintf("%d/%d", lp.Completed, lp.Total))
		rows = append(rows, row)
	}
	fmt.Fprintln(out, renderTable(headers, rows, nil))

	if len(c.DeadLetters) > 0 {
		fmt.Fprintln(out, "Dead letters:")
		fmt.Fprintln(out, renderDeadLetterRows(c.ID, c.DeadLetters))
	}
}
