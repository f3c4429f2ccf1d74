package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"lukhas/internal/authz"
	"lukhas/internal/capability"
	"lukhas/internal/policy"
)

// errDenied makes a denied check exit non-zero.
var errDenied = errors.New("access denied")

var (
	checkToken   string
	checkSubject string
	checkTier    string
	checkScopes  []string
	checkJSON    bool
)

// authzCmd groups decision commands
var authzCmd = &cobra.Command{
	Use:   "authz",
	Short: "Evaluate authorization decisions",
}

var authzCheckCmd = &cobra.Command{
	Use:   "check <module> <action>",
	Short: "Ask the configured decision point about one request",
	Long: `Evaluates module/action against the configured policy (local or OPA).

The requester is either a token (--token) or a synthetic holder built from
--tier and --scope. Exits non-zero when the request is denied.

Examples:
  lukhas authz check content review --tier T3 --scope content:review
  lukhas authz check compliance read --token "$TOKEN"`,
	Args: cobra.ExactArgs(2),
	RunE: runAuthzCheck,
}

// policyCmd groups policy commands
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect policy matrices",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Parse and validate a policy matrix",
	Long: `Parses a YAML or JSON policy matrix, checks tiers and effects, and compiles
it into the local decision kernel. Defaults to authz.policy_path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyValidate,
}

func init() {
	authzCheckCmd.Flags().StringVar(&checkToken, "token", "", "Capability token to evaluate")
	authzCheckCmd.Flags().StringVar(&checkSubject, "subject", "cli", "Subject for a synthetic holder")
	authzCheckCmd.Flags().StringVar(&checkTier, "tier", "T1", "Tier for a synthetic holder")
	authzCheckCmd.Flags().StringSliceVar(&checkScopes, "scope", nil, "Scope for a synthetic holder (repeatable)")
	authzCheckCmd.Flags().BoolVar(&checkJSON, "json", false, "Print the decision as JSON")

	authzCmd.AddCommand(authzCheckCmd)
	policyCmd.AddCommand(policyValidateCmd)
}

type checkResult struct {
	Subject       string `json:"subject"`
	Tier          string `json:"tier"`
	Module        string `json:"module"`
	Action        string `json:"action"`
	Allow         bool   `json:"allow"`
	Reason        string `json:"reason"`
	Source        string `json:"source"`
	PolicyVersion string `json:"policy_version,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
}

func runAuthzCheck(cmd *cobra.Command, args []string) error {
	module, action := args[0], args[1]
	ctx := commandContext(cmd)

	rt, err := buildDecider(ctx, cfg.Authz, false)
	if err != nil {
		return err
	}
	defer rt.Stop()

	var res authz.Result
	if checkToken != "" {
		_, verifier, err := buildIssuer(cfg.Authz)
		if err != nil {
			return err
		}
		res, err = authz.NewAuthorizer(verifier, rt.decider).Authorize(ctx, checkToken, module, action)
		if err != nil {
			return fmt.Errorf("evaluation failed: %w", err)
		}
	} else {
		tier, err := capability.ParseTier(checkTier)
		if err != nil {
			return err
		}
		claims := &capability.Claims{
			Tier:             tier,
			Scopes:           checkScopes,
			RegisteredClaims: jwt.RegisteredClaims{Subject: checkSubject},
		}
		res, err = authz.NewAuthorizer(nil, rt.decider).AuthorizeClaims(ctx, claims, module, action)
		if err != nil {
			return fmt.Errorf("evaluation failed: %w", err)
		}
	}

	out := checkResult{
		Subject:       res.Request.Subject,
		Tier:          string(res.Request.Tier),
		Module:        module,
		Action:        action,
		Allow:         res.Allow,
		Reason:        res.Reason,
		Source:        res.Source,
		PolicyVersion: res.PolicyVersion,
		DurationMs:    res.Duration.Milliseconds(),
	}
	if checkJSON {
		if err := writeIndented(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s.%s for %s (%s): %s [%s %s]\n",
			res.Effect(), module, action, out.Subject, out.Tier, res.Reason, res.Source, res.PolicyVersion)
	}

	if !res.Allow {
		return fmt.Errorf("%w: %s", errDenied, res.Reason)
	}
	return nil
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	path := cfg.Authz.PolicyPath
	if len(args) == 1 {
		path = args[0]
	}

	doc, err := policy.Load(path)
	if err != nil {
		return err
	}
	decider, err := authz.NewLocalDecider(doc)
	if err != nil {
		return fmt.Errorf("policy does not compile: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: version %s, default %s, %d modules, %d rules\n",
		path, decider.Version(), doc.Default, len(doc.Modules), doc.RuleCount())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODULE\tACTION\tMIN TIER\tSCOPES\tEFFECT")
	for _, module := range doc.ModuleNames() {
		actions := doc.Modules[module]
		names := make([]string, 0, len(actions))
		for a := range actions {
			names = append(names, a)
		}
		sort.Strings(names)
		for _, a := range names {
			r := actions[a]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", module, a, r.MinTier, strings.Join(r.Scopes, ","), r.Effect)
		}
	}
	return tw.Flush()
}
