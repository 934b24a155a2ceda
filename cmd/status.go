package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/streamwatch/streamwatch/internal/api"
)

func newStatusCmd() *cobra.Command {
	var (
		addr   string
		apiKey string
	)
	cmd := &cobra.Command{
		Use:   "status [crawler]",
		Short: "Show crawler status from a running instance",
		Long: `Without arguments, status lists every crawler plus quota usage by tier
and the open streaming sessions. With a crawler name it shows that
crawler's targets, remote rules, and activity history.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &statusClient{addr: strings.TrimRight(addr, "/"), apiKey: apiKey}
			if len(args) == 1 {
				det, err := client.crawler(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				renderDetail(det)
				return nil
			}
			info, err := client.info(cmd.Context())
			if err != nil {
				return err
			}
			renderInfo(info)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "base URL of the running instance")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key if the instance requires one")
	return cmd
}

type statusClient struct {
	addr   string
	apiKey string
}

func (c *statusClient) info(ctx context.Context) (api.InfoResponse, error) {
	var out api.InfoResponse
	err := c.get(ctx, "/v1/info", &out)
	return out, err
}

func (c *statusClient) crawler(ctx context.Context, name string) (api.CrawlerDetail, error) {
	var out api.CrawlerDetail
	err := c.get(ctx, "/v1/crawlers/"+url.PathEscape(name), &out)
	return out, err
}

func (c *statusClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+path, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func renderInfo(info api.InfoResponse) {
	t := newTable("Crawlers")
	t.AppendHeader(table.Row{"Name", "Type", "State", "Targets", "Records", "Active", "Created"})
	for _, c := range info.Crawlers {
		t.AppendRow(table.Row{
			c.Name, c.Type, c.State, c.TargetCount, c.Records,
			seconds(c.ActiveSeconds), c.CreatedAt.Local().Format(time.RFC3339),
		})
	}
	t.Render()

	t = newTable("Quota")
	t.AppendHeader(table.Row{"Tier", "Credentials", "Rules Used", "Rules Total"})
	for _, tier := range info.Tiers {
		t.AppendRow(table.Row{tier.Tier, tier.Credentials, tier.RulesUsed, tier.RulesTotal})
	}
	t.Render()

	t = newTable("Sessions")
	t.AppendHeader(table.Row{"Credential", "Crawlers", "Records", "Connected", "Uptime"})
	for _, s := range info.Sessions {
		t.AppendRow(table.Row{
			s.Credential, strings.Join(s.Crawlers, ", "), s.Records,
			s.Connected, seconds(s.UptimeSeconds),
		})
	}
	t.Render()
}

func renderDetail(det api.CrawlerDetail) {
	t := newTable("")
	t.AppendRow(table.Row{"Name", det.Name})
	t.AppendRow(table.Row{"Type", det.Type})
	t.AppendRow(table.Row{"State", det.State})
	t.AppendRow(table.Row{"Records", det.Records})
	t.AppendRow(table.Row{"Active", seconds(det.ActiveSeconds)})
	t.AppendRow(table.Row{"Created", det.CreatedAt.Local().Format(time.RFC3339)})
	t.AppendRow(table.Row{"Day file", det.DayFile})
	t.AppendRow(table.Row{"Targets", strings.Join(det.Targets, ", ")})
	t.Render()

	if len(det.Rules) > 0 {
		t = newTable("Rules")
		t.AppendHeader(table.Row{"ID", "Credential"})
		for _, rule := range det.Rules {
			t.AppendRow(table.Row{rule.ID, rule.Credential})
		}
		t.Render()
	}

	if len(det.Activity) > 0 {
		t = newTable("Activity")
		t.AppendHeader(table.Row{"Start", "Duration"})
		for _, seg := range det.Activity {
			t.AppendRow(table.Row{seg.Start.Local().Format(time.RFC3339), seconds(seg.Seconds)})
		}
		t.Render()
	}
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second)).Round(time.Second)
}
