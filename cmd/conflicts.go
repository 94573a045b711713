package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/shelfsight/upcguard/internal/model"
	"github.com/shelfsight/upcguard/internal/store"
)

var (
	conflictsOrg      string
	conflictsUser     string
	conflictsStatus   string
	conflictsType     string
	conflictsAssignee string
	conflictsLimit    int
	conflictsJSON     bool

	resolveKind  string
	resolveNotes string
	rejectNotes  string
	assigneeID   string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Query and work UPC conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts for an organization",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if conflictsOrg == "" {
			return eris.New("conflicts: --org is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		conflicts, err := st.ListConflicts(ctx, conflictsOrg, store.ConflictFilter{
			Status:     model.ConflictStatus(conflictsStatus),
			Type:       model.ConflictType(conflictsType),
			AssignedTo: conflictsAssignee,
			Limit:      conflictsLimit,
		})
		if err != nil {
			return eris.Wrap(err, "conflicts: list")
		}

		if conflictsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(conflicts)
		}

		p := message.NewPrinter(language.English)
		for _, c := range conflicts {
			anchor := c.UPC
			if c.Type == model.ConflictTypeMultiUPCProduct {
				anchor = c.ProductID
			}
			p.Printf("%-36s  %-18s  %-11s  %-8s  group=%d  $%s  %s\n",
				c.ID, c.Type, c.Status, c.Severity, c.GroupSize(), c.CostImpact.StringFixed(2), anchor)
		}
		p.Printf("%d conflicts\n", len(conflicts))
		return nil
	},
}

var conflictsAssignCmd = &cobra.Command{
	Use:   "assign <conflict-id>",
	Short: "Assign a conflict to a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd, func(ctx context.Context, e *env, scope model.Scope) (*model.Conflict, error) {
			return e.lifecycle.Assign(ctx, scope, args[0], assigneeID)
		})
	},
}

var conflictsStartCmd = &cobra.Command{
	Use:   "start <conflict-id>",
	Short: "Start work on a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd, func(ctx context.Context, e *env, scope model.Scope) (*model.Conflict, error) {
			return e.lifecycle.StartWork(ctx, scope, args[0])
		})
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd, func(ctx context.Context, e *env, scope model.Scope) (*model.Conflict, error) {
			return e.lifecycle.Resolve(ctx, scope, args[0], model.Resolution(resolveKind), resolveNotes)
		})
	},
}

var conflictsRejectCmd = &cobra.Command{
	Use:   "reject <conflict-id>",
	Short: "Reject a conflict as a false positive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd, func(ctx context.Context, e *env, scope model.Scope) (*model.Conflict, error) {
			return e.lifecycle.Reject(ctx, scope, args[0], rejectNotes)
		})
	},
}

// withLifecycle handles the store/env boilerplate shared by the transition
// subcommands and prints the resulting conflict state.
func withLifecycle(cmd *cobra.Command, fn func(context.Context, *env, model.Scope) (*model.Conflict, error)) error {
	ctx := cmd.Context()
	if conflictsOrg == "" {
		return eris.New("conflicts: --org is required")
	}

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	e, err := initEnv(st)
	if err != nil {
		return err
	}

	scope := model.Scope{OrganizationID: conflictsOrg, UserID: conflictsUser}
	c, err := fn(ctx, e, scope)
	if err != nil {
		return err
	}

	p := message.NewPrinter(language.English)
	p.Printf("Conflict %s is now %s\n", c.ID, c.Status)
	return nil
}

func init() {
	conflictsCmd.PersistentFlags().StringVar(&conflictsOrg, "org", "", "organization ID (required)")
	conflictsCmd.PersistentFlags().StringVar(&conflictsUser, "user", "", "acting user ID")

	conflictsListCmd.Flags().StringVar(&conflictsStatus, "status", "", "filter by status")
	conflictsListCmd.Flags().StringVar(&conflictsType, "type", "", "filter by conflict type")
	conflictsListCmd.Flags().StringVar(&conflictsAssignee, "assignee", "", "filter by assignee")
	conflictsListCmd.Flags().IntVar(&conflictsLimit, "limit", 0, "maximum rows (0 = all)")
	conflictsListCmd.Flags().BoolVar(&conflictsJSON, "json", false, "output JSON")

	conflictsAssignCmd.Flags().StringVar(&assigneeID, "to", "", "assignee user ID (required)")
	conflictsResolveCmd.Flags().StringVar(&resolveKind, "resolution", "", "keep_existing, use_new, manual, or ignore")
	conflictsResolveCmd.Flags().StringVar(&resolveNotes, "notes", "", "resolution notes")
	conflictsRejectCmd.Flags().StringVar(&rejectNotes, "notes", "", "rejection notes")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsAssignCmd, conflictsStartCmd, conflictsResolveCmd, conflictsRejectCmd)
	rootCmd.AddCommand(conflictsCmd)
}
