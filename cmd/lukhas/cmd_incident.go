package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lukhas/internal/incident"
)

var (
	incCategory    string
	incSeverity    string
	incSource      string
	incDescription string
	incIndicators  []string
	incApprove     string
	incPlaybooks   string
	incRecord      bool
	incJSON        bool
	incWait        time.Duration
)

// incidentCmd groups incident response commands
var incidentCmd = &cobra.Command{
	Use:   "incident",
	Short: "Run incident response playbooks",
}

var incidentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Open an incident and run every matching playbook",
	Long: `Opens an incident and answers it with every playbook whose categories
and minimum severity match. Steps run in dependency order; independent steps
run in parallel up to incident.max_parallel.

Approval-gated steps are decided by --approve:
  auto    approve everything
  deny    reject everything
  prompt  ask on the terminal (y/N), rejecting after --approval-timeout

Example:
  lukhas incident run --category unauthorized_access --severity high \
      --indicator ip=203.0.113.9 --indicator subject=u-42`,
	Args: cobra.NoArgs,
	RunE: runIncident,
}

// playbookCmd groups playbook commands
var playbookCmd = &cobra.Command{
	Use:   "playbook",
	Short: "Inspect response playbooks",
}

var playbookValidateCmd = &cobra.Command{
	Use:   "validate [path...]",
	Short: "Validate playbook files or directories",
	Long: `Parses each playbook, checks step ids, actions and dependencies, rejects
cycles, and prints the execution order. Defaults to incident.playbook_dir.`,
	RunE: runPlaybookValidate,
}

func init() {
	incidentRunCmd.Flags().StringVar(&incCategory, "category", "", "Incident category (required)")
	incidentRunCmd.Flags().StringVar(&incSeverity, "severity", "medium", "low, medium, high or critical")
	incidentRunCmd.Flags().StringVar(&incSource, "source", "cli", "Reporting source")
	incidentRunCmd.Flags().StringVar(&incDescription, "description", "", "Free-form description")
	incidentRunCmd.Flags().StringSliceVar(&incIndicators, "indicator", nil, "Indicator key=value (repeatable)")
	incidentRunCmd.Flags().StringVar(&incApprove, "approve", "", "auto, deny or prompt (default from incident.auto_approve)")
	incidentRunCmd.Flags().StringVar(&incPlaybooks, "playbooks", "", "Playbook directory (default: incident.playbook_dir)")
	incidentRunCmd.Flags().BoolVar(&incRecord, "record", false, "Persist the incident to the database")
	incidentRunCmd.Flags().BoolVar(&incJSON, "json", false, "Print the response as JSON")
	incidentRunCmd.Flags().DurationVar(&incWait, "approval-timeout", 2*time.Minute, "How long a prompt waits for an answer")
	incidentRunCmd.MarkFlagRequired("category")

	incidentCmd.AddCommand(incidentRunCmd)
	playbookCmd.AddCommand(playbookValidateCmd)
}

// parseIndicators splits key=value pairs.
func parseIndicators(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("indicator %q must be formatted as key=value", p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func runIncident(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	severity, err := incident.ParseSeverity(incSeverity)
	if err != nil {
		return err
	}
	indicators, err := parseIndicators(incIndicators)
	if err != nil {
		return err
	}
	inc, err := incident.NewIncident(incident.Category(incCategory), severity, incSource, incDescription, indicators)
	if err != nil {
		return err
	}

	mode := incApprove
	if mode == "" {
		mode = "deny"
		if cfg.Incident.AutoApprove {
			mode = "auto"
		}
	}
	var approver incident.Approver
	switch mode {
	case "auto":
		approver = incident.AutoApprover{}
	case "deny":
		approver = incident.DenyApprover{}
	case "prompt":
		manual := incident.NewManualApprover(incWait)
		go promptApprovals(ctx, manual, cmd.InOrStdin(), cmd.ErrOrStderr())
		approver = manual
	default:
		return fmt.Errorf("unknown approval mode %q (valid: auto, deny, prompt)", mode)
	}

	ic := cfg.Incident
	if incPlaybooks != "" {
		ic.PlaybookDir = incPlaybooks
	}

	var rec incident.Recorder
	if incRecord {
		st, err := openStore(cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()
		rec = st
	}

	engine, err := buildEngine(ic, approver, rec)
	if err != nil {
		return err
	}
	if len(engine.Match(inc)) == 0 {
		logger.Warn("no playbook matches incident",
			zap.String("category", string(inc.Category)),
			zap.String("severity", inc.Severity.String()))
	}

	resp, err := engine.Respond(ctx, inc)
	if err != nil {
		return err
	}

	if incJSON {
		return writeIndented(cmd.OutOrStdout(), resp)
	}
	return printResponse(cmd.OutOrStdout(), resp)
}

// promptApprovals answers approval requests from the terminal until ctx ends.
func promptApprovals(ctx context.Context, m *incident.ManualApprover, in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.Requests():
			fmt.Fprintf(out, "approve %s (%s) in playbook %s for incident %s [%s]? [y/N] ",
				req.StepID, req.Action, req.PlaybookID, req.IncidentID, req.Severity)
			line, err := reader.ReadString('\n')
			answer := strings.ToLower(strings.TrimSpace(line))
			approved := answer == "y" || answer == "yes"
			if !m.Resolve(req.ID, approved) {
				fmt.Fprintln(out, "approval expired")
			}
			if err != nil {
				// Input is exhausted; remaining requests time out.
				return
			}
		}
	}
}

func printResponse(w io.Writer, resp *incident.Response) error {
	inc := resp.Incident
	fmt.Fprintf(w, "incident %s: %s/%s -> %s\n", inc.ID, inc.Category, inc.Severity, inc.Status)
	if len(resp.Executions) == 0 {
		fmt.Fprintln(w, "no playbook matched")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAYBOOK\tSTEP\tACTION\tSTATUS\tDETAIL")
	for _, exec := range resp.Executions {
		for _, s := range exec.Steps {
			detail := s.Error
			if detail == "" && len(s.Output) > 0 {
				detail = formatOutput(s.Output)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", exec.PlaybookID, s.StepID, s.Action, s.Status, detail)
		}
		fmt.Fprintf(tw, "%s\t\t\t%s\t%s\n", exec.PlaybookID, exec.Status, exec.FinishedAt.Sub(exec.StartedAt).Round(time.Millisecond))
	}
	return tw.Flush()
}

func formatOutput(out map[string]string) string {
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+out[k])
	}
	return strings.Join(parts, " ")
}

func runPlaybookValidate(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		paths = []string{cfg.Incident.PlaybookDir}
	}
	actions := incident.NewActions()
	out := cmd.OutOrStdout()

	seen := make(map[string]string)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		var pbs []*incident.Playbook
		if info.IsDir() {
			pbs, err = incident.LoadPlaybookDir(path, actions)
		} else {
			pbs, err = incident.LoadPlaybookFile(path, actions)
		}
		if err != nil {
			return err
		}
		for _, pb := range pbs {
			if prev, ok := seen[pb.ID]; ok {
				return fmt.Errorf("%w: playbook %s defined in %s and %s", incident.ErrInvalidPlaybook, pb.ID, prev, path)
			}
			seen[pb.ID] = path

			cats := make([]string, len(pb.Categories))
			for i, c := range pb.Categories {
				cats[i] = string(c)
			}
			fmt.Fprintf(out, "%s (%s): %s >= %s, %d steps: %s\n",
				pb.ID, path, strings.Join(cats, ","), pb.MinSeverity,
				len(pb.Steps), strings.Join(incident.TopoOrder(pb), " -> "))
		}
	}
	fmt.Fprintf(out, "%d playbooks valid\n", len(seen))
	return nil
}
