package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"

	"github.com/volumania/volumania/internal/api"
	"github.com/volumania/volumania/internal/autoscaler"
)

const outputJSON = "json"

func policiesCmd() *cobra.Command {
	var (
		server string
		output string
	)
	cmd := &cobra.Command{
		Short:        "List autoscaler policies of a running manager",
		Use:          "policies",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			policies, err := fetchPolicies(ctx, http.DefaultClient, server)
			if err != nil {
				return err
			}
			if output == outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(policies)
			}
			printPolicies(cmd.OutOrStdout(), policies)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:5000", "Base URL of the manager REST API")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format. Empty prints a table, 'json' prints JSON")

	return cmd
}

func fetchPolicies(ctx context.Context, client *http.Client, server string) ([]autoscaler.Policy, error) {
	u, err := url.JoinPath(server, "/api/autoscalers")
	if err != nil {
		return nil, fmt.Errorf("url parse: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("list policies: %s: %s %s", resp.Status, apiErr.Error, apiErr.Details)
	}

	var policies []autoscaler.Policy
	if err := json.NewDecoder(resp.Body).Decode(&policies); err != nil {
		return nil, fmt.Errorf("malformed json: %w", err)
	}
	return policies, nil
}

func printPolicies(w io.Writer, policies []autoscaler.Policy) {
	if len(policies) == 0 {
		fmt.Fprintln(w, aurora.Yellow("No autoscalers found"))
		return
	}

	t := tabby.NewCustom(tabwriter.NewWriter(w, 0, 0, 2, ' ', 0))
	t.AddHeader("NAME", "NAMESPACE", "PVC", "RANGE", "STEP", "TRIGGER", "STATUS", "LAST SCALE")
	for _, p := range policies {
		lastScale := "-"
		if p.LastScaleTime != nil {
			lastScale = p.LastScaleTime.UTC().Format(time.RFC3339)
		}
		t.AddLine(
			p.Name,
			p.Namespace,
			p.PVCName,
			fmt.Sprintf("%s-%s", p.MinSize, p.MaxSize),
			p.StepSize.String(),
			fmt.Sprintf("%d%%", p.TriggerAbovePercent),
			colorStatus(p.Status),
			lastScale,
		)
	}
	t.Print()
}

func colorStatus(s autoscaler.Status) string {
	switch s {
	case autoscaler.StatusActive:
		return aurora.Green(string(s)).String()
	case autoscaler.StatusError:
		return aurora.Red(string(s)).String()
	case autoscaler.StatusInactive, autoscaler.StatusUnknown:
		return aurora.Yellow(string(s)).String()
	default:
		return string(s)
	}
}
