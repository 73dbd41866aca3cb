package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/dialback/internal/calendar"
	"github.com/kalambet/dialback/internal/config"
	"github.com/kalambet/dialback/internal/dispatch"
	"github.com/kalambet/dialback/internal/reconcile"
	"github.com/kalambet/dialback/internal/storage"
)

// --- calls ---

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "Manage scheduled calls",
}

var callsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		calls, err := listCalls(cmd.Context(), client, status, limit)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			fmt.Fprintln(stdout, "No calls found.")
			return nil
		}
		for _, c := range calls {
			fmt.Fprintln(stdout, formatCallLine(c))
		}
		return nil
	},
}

func listCalls(ctx context.Context, client *apiClient, status string, limit int) ([]storage.Call, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if status != "" {
		q.Set("status", status)
	}
	resp, err := client.get(ctx, "/calls?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var calls []storage.Call
	if err := decodeJSON(resp, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

func formatCallLine(c storage.Call) string {
	id := c.ID
	if len(id) > 8 {
		id = id[:8]
	}
	line := fmt.Sprintf("%s  %s  %-11s  %s",
		colorize(colorCyan, id),
		c.ScheduledAt.Format(time.RFC3339),
		colorize(statusColor(string(c.Status)), string(c.Status)),
		c.SubjectID,
	)
	if c.Purpose != "" {
		line += "  " + c.Purpose
	}
	return line
}

var callsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a call with its evaluation, if synced",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/calls/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var call storage.Call
		if err := decodeJSON(resp, &call); err != nil {
			return err
		}
		out := map[string]any{"call": call}

		evalResp, err := client.get(cmd.Context(), "/calls/"+url.PathEscape(args[0])+"/evaluation")
		if err != nil {
			return err
		}
		var eval map[string]any
		if decodeJSON(evalResp, &eval) == nil {
			out["evaluation"] = eval["evaluation"]
			out["action_items"] = eval["action_items"]
		}
		return printJSON(out)
	},
}

var callsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Schedule a call for a subject",
	Long: `Schedule a call for a subject.

Examples:
  dialback calls create --subject 3f2a... --at 2026-03-02T10:00:00Z --purpose "renewal reminder"
  dialback calls create --name "Ada Lovelace" --phone +15550100 --purpose "follow up"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		subjectID, _ := cmd.Flags().GetString("subject")
		name, _ := cmd.Flags().GetString("name")
		phone, _ := cmd.Flags().GetString("phone")
		at, _ := cmd.Flags().GetString("at")
		purpose, _ := cmd.Flags().GetString("purpose")
		reason, _ := cmd.Flags().GetString("reason")
		language, _ := cmd.Flags().GetString("language")
		notes, _ := cmd.Flags().GetString("notes")

		if subjectID == "" && (name == "" || phone == "") {
			return fmt.Errorf("either --subject or both --name and --phone are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if subjectID == "" {
			sub, err := createSubject(ctx, client, recipient{Name: name, Phone: phone, Language: language})
			if err != nil {
				return err
			}
			subjectID = sub.ID
			printStep("Created subject %s", sub.ID)
		}

		resp, err := client.post(ctx, "/calls", map[string]any{
			"subject_id":   subjectID,
			"scheduled_at": at,
			"purpose":      purpose,
			"reason":       reason,
			"language":     language,
			"notes":        notes,
		})
		if err != nil {
			return err
		}
		var call storage.Call
		if err := decodeJSON(resp, &call); err != nil {
			return err
		}
		printSuccess("Scheduled call %s for %s", call.ID, call.ScheduledAt.Format(time.RFC3339))
		return nil
	},
}

var callsDispatchCmd = &cobra.Command{
	Use:   "dispatch <id>",
	Short: "Hand a call to the voice provider now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/calls/"+url.PathEscape(args[0])+"/dispatch", map[string]any{"force": force})
		if err != nil {
			return err
		}
		var res dispatch.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Dispatched call %s (conversation %s)", res.Call.ID, res.Call.ConversationID)
		return nil
	},
}

var callsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a call that has not been dispatched",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/calls/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		var call storage.Call
		if err := decodeJSON(resp, &call); err != nil {
			return err
		}
		printSuccess("Cancelled call %s", call.ID)
		return nil
	},
}

var callsSyncCmd = &cobra.Command{
	Use:   "sync <id>",
	Short: "Re-fetch the provider conversation for a call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/calls/"+url.PathEscape(args[0])+"/sync", nil)
		if err != nil {
			return err
		}
		var out reconcile.Outcome
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Synced call %s: %s -> %s, result %s, %d action items",
			out.CallID, out.PreviousStatus, out.Status, out.Evaluation.Result, out.ActionItemsCount)
		return nil
	},
}

var callsAuditCmd = &cobra.Command{
	Use:   "audit <id>",
	Short: "Show the audit trail of a call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/calls/"+url.PathEscape(args[0])+"/audit")
		if err != nil {
			return err
		}
		var entries []storage.AuditEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		for _, e := range entries {
			level := e.Level
			switch level {
			case "error":
				level = colorize(colorRed, level)
			case "warn":
				level = colorize(colorYellow, level)
			}
			fmt.Fprintf(stdout, "%s  %-5s  %-24s  %s\n", e.CreatedAt.Format(time.RFC3339), level, e.Event, e.Message)
		}
		return nil
	},
}

var callsDispatchBatchCmd = &cobra.Command{
	Use:   "dispatch-batch <id>...",
	Short: "Dispatch several calls with bounded concurrency",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		force, _ := cmd.Flags().GetBool("force")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/calls/dispatch-batch", map[string]any{
			"call_ids":    args,
			"concurrency": concurrency,
			"force":       force,
		})
		if err != nil {
			return err
		}
		var report dispatch.BatchReport
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

func printReport(report dispatch.BatchReport) {
	for _, item := range report.Items {
		if item.OK {
			fmt.Fprintf(stdout, "%s  %s  %s\n", colorize(colorGreen, "ok  "), item.CallID, item.ConversationID)
			continue
		}
		fmt.Fprintf(stdout, "%s  %s  %s [%s]\n", colorize(colorRed, "fail"), item.CallID, item.Error, item.Code)
	}
	printStatus("Scanned", "%d", report.Scanned)
	printStatus("Dispatched", "%d", report.Dispatched)
	printStatus("Failed", "%d", report.Failed)
}

func init() {
	callsListCmd.Flags().String("status", "", "filter by status (pending, dispatching, dispatched, completed, failed, cancelled)")
	callsListCmd.Flags().Int("limit", 20, "maximum number of calls to list")

	callsCreateCmd.Flags().String("subject", "", "existing subject id")
	callsCreateCmd.Flags().String("name", "", "subject name (creates a subject)")
	callsCreateCmd.Flags().String("phone", "", "subject phone number (creates a subject)")
	callsCreateCmd.Flags().String("at", "", "scheduled time, RFC 3339 (default now)")
	callsCreateCmd.Flags().String("purpose", "", "what the call is for")
	callsCreateCmd.Flags().String("reason", "", "why the call was scheduled")
	callsCreateCmd.Flags().String("language", "", "conversation language")
	callsCreateCmd.Flags().String("notes", "", "notes passed to the agent")

	callsDispatchCmd.Flags().Bool("force", false, "dispatch even if the call is not yet due")
	callsDispatchBatchCmd.Flags().Int("concurrency", 0, "calls in flight (default from server config)")
	callsDispatchBatchCmd.Flags().Bool("force", false, "dispatch even if calls are not yet due")

	callsCmd.AddCommand(callsListCmd, callsShowCmd, callsCreateCmd, callsDispatchCmd,
		callsCancelCmd, callsSyncCmd, callsAuditCmd, callsDispatchBatchCmd)
}

// --- campaign ---

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Run call campaigns",
}

var campaignRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Schedule (and optionally dispatch) a call for every recipient in a YAML file",
	Long: `Schedule a call for every recipient in a YAML file.

Example recipients.yaml:
  purpose: policy renewal reminder
  scheduled_at: 2026-03-02T10:00:00Z
  dispatch: true
  concurrency: 4
  recipients:
    - name: Ada Lovelace
      phone: "+15550100"
      language: en
    - subject_id: 3f2a0c4e-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			return fmt.Errorf("--file is required")
		}
		file, err := loadCampaignFile(path)
		if err != nil {
			return err
		}
		if dispatchNow, _ := cmd.Flags().GetBool("dispatch"); dispatchNow {
			file.Dispatch = true
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := runCampaign(cmd.Context(), client, file)
		if err != nil {
			return err
		}
		printSuccess("Campaign %s: %d calls scheduled", res.CampaignID, len(res.Calls))
		if res.Report != nil {
			printReport(*res.Report)
		}
		return nil
	},
}

func init() {
	campaignRunCmd.Flags().String("file", "", "recipients YAML file")
	campaignRunCmd.Flags().Bool("dispatch", false, "dispatch every call immediately")
	campaignCmd.AddCommand(campaignRunCmd)
}

// --- calendar ---

var calendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: "Check call slots against busy windows",
}

var calendarCheckCmd = &cobra.Command{
	Use:   "check <proposed-start>",
	Short: "Check whether a slot is free",
	Long: `Check whether a slot is free.

Busy windows are given as start/end pairs:
  dialback calendar check 2026-03-02T14:00:00Z --duration 30 \
    --busy 2026-03-02T13:30:00Z/2026-03-02T14:15:00Z --subject 3f2a...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetInt("duration")
		busy, _ := cmd.Flags().GetStringSlice("busy")
		subjectID, _ := cmd.Flags().GetString("subject")
		callID, _ := cmd.Flags().GetString("confirm")

		start, err := time.Parse(time.RFC3339, args[0])
		if err != nil {
			return fmt.Errorf("proposed start must be RFC 3339: %w", err)
		}
		windows, err := parseBusyWindows(busy)
		if err != nil {
			return err
		}
		req := calendar.Request{
			ProposedStart:   start,
			DurationMinutes: duration,
			BusyWindows:     windows,
			SubjectID:       subjectID,
			CallID:          callID,
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/calendar/availability"
		if callID != "" {
			path = "/calendar/confirm"
		}
		resp, err := client.post(cmd.Context(), path, req)
		if err != nil {
			return err
		}
		var res calendar.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printAvailability(res)
		return nil
	},
}

func parseBusyWindows(values []string) ([]calendar.BusyWindow, error) {
	windows := make([]calendar.BusyWindow, 0, len(values))
	for _, v := range values {
		startStr, endStr, ok := strings.Cut(v, "/")
		if !ok {
			return nil, fmt.Errorf("busy window %q: want start/end", v)
		}
		start, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return nil, fmt.Errorf("busy window %q: %w", v, err)
		}
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return nil, fmt.Errorf("busy window %q: %w", v, err)
		}
		windows = append(windows, calendar.BusyWindow{Start: start, End: end})
	}
	return windows, nil
}

func printAvailability(res calendar.Result) {
	switch {
	case res.Confirmed:
		printSuccess("Slot free, call moved")
	case res.Available:
		printSuccess("Slot is free")
	default:
		printWarning("Slot conflicts with %d busy window(s)", len(res.Conflicts))
	}
	for _, c := range res.Conflicts {
		label := c.Label
		if label == "" {
			label = c.Source
		}
		fmt.Fprintf(stdout, "  %s - %s  %s\n", c.Start.Format(time.RFC3339), c.End.Format(time.RFC3339), label)
	}
	if !res.Available {
		if res.NextAvailableStart != nil {
			printStatus("Next free start", "%s", res.NextAvailableStart.Format(time.RFC3339))
		} else {
			printStatus("Next free start", "none within a week")
		}
	}
}

func init() {
	calendarCheckCmd.Flags().Int("duration", 0, "call length in minutes (default from server config)")
	calendarCheckCmd.Flags().StringSlice("busy", nil, "busy window as start/end, repeatable")
	calendarCheckCmd.Flags().String("subject", "", "include this subject's scheduled calls")
	calendarCheckCmd.Flags().String("confirm", "", "move this call to the slot if it is free")
	calendarCmd.AddCommand(calendarCheckCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
