package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/peerflow/internal/auth"
	"github.com/MarcoPoloResearchLab/peerflow/internal/conditions"
	"github.com/MarcoPoloResearchLab/peerflow/internal/ledger"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"github.com/spf13/cobra"
)

func newTemplatesCommand() *cobra.Command {
	templatesCmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect and publish activity templates",
	}

	templatesCmd.AddCommand(&cobra.Command{
		Use:   "validate <file>...",
		Short: "Parse and validate template files without touching the database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateTemplateFiles(cmd.OutOrStdout(), args)
		},
	})

	templatesCmd.AddCommand(&cobra.Command{
		Use:   "load",
		Short: "Publish templates from the configured directory or bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			source, err := rt.templateSource(cmd.Context())
			if err != nil {
				return err
			}
			count, err := rt.registry.LoadFrom(cmd.Context(), source)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d templates from %s\n", count, source.Describe())
			for _, id := range rt.registry.IDs() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	})

	return templatesCmd
}

func validateTemplateFiles(out io.Writer, paths []string) error {
	evaluator := conditions.NewEvaluator()
	failures := 0
	for _, path := range paths {
		parsed, err := templates.ParseFile(path)
		if err != nil {
			failures++
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		for _, template := range parsed {
			if err := template.Validate(evaluator); err != nil {
				failures++
				fmt.Fprintf(out, "FAIL %s (%s): %v\n", path, template.ID, err)
				continue
			}
			fmt.Fprintf(out, "ok   %s (%s)\n", path, template.ID)
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d template(s) failed validation", failures)
	}
	return nil
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}

	var displayName string
	issueCmd := &cobra.Command{
		Use:   "issue <subject>",
		Short: "Issue a bearer token for a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			return issueToken(cmd.OutOrStdout(), rt.tokens, args[0], displayName)
		},
	}
	issueCmd.Flags().StringVar(&displayName, "name", "", "Display name embedded in the token")
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

func issueToken(out io.Writer, issuer *auth.TokenIssuer, subject, displayName string) error {
	token, expiresIn, err := issuer.IssueToken(auth.Principal{Subject: strings.TrimSpace(subject), DisplayName: displayName})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\nexpires_in=%d\n", token, expiresIn)
	return nil
}

func newRolesCommand() *cobra.Command {
	rolesCmd := &cobra.Command{
		Use:   "roles",
		Short: "Grant and revoke user roles",
	}

	rolesCmd.AddCommand(&cobra.Command{
		Use:   "grant <user> <role>",
		Short: "Grant a role such as reviewer or moderator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.users.GrantRole(cmd.Context(), args[0], args[1], "cli"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s to %s\n", args[1], args[0])
			return nil
		},
	})

	rolesCmd.AddCommand(&cobra.Command{
		Use:   "revoke <user> <role>",
		Short: "Revoke a previously granted role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.users.RevokeRole(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s from %s\n", args[1], args[0])
			return nil
		},
	})
	return rolesCmd
}

func newLedgerCommand() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and fund token accounts",
	}

	ledgerCmd.AddCommand(&cobra.Command{
		Use:   "credit <user> <amount>",
		Short: "Credit tokens to a user account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			account := ledger.UserAccount(args[0])
			if err := rt.ledger.Credit(cmd.Context(), nil, ledger.Posting{Account: account, Amount: amount, Reason: "cli credit"}); err != nil {
				return err
			}
			balance, err := rt.ledger.Balance(cmd.Context(), account)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance %d\n", account, balance)
			return nil
		},
	})

	ledgerCmd.AddCommand(&cobra.Command{
		Use:   "balance <account>",
		Short: "Print an account balance, e.g. user:alice or platform:pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			balance, err := rt.ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance %d\n", args[0], balance)
			return nil
		},
	})
	return ledgerCmd
}
