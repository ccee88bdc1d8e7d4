package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/atlasfeed/internal/draft"
	"github.com/zulandar/atlasfeed/internal/models"
)

func newDraftCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Approve, dismiss, or edit a draft communication",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Atlas config file")

	cmd.AddCommand(newDraftApproveCmd(&configPath))
	cmd.AddCommand(newDraftDismissCmd(&configPath))
	cmd.AddCommand(newDraftEditCmd(&configPath))
	return cmd
}

func newDraftApproveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <draft-id>",
		Short: "Approve and send a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDraft(cmd, *configPath, "approve", args[0], func(c *draft.Controller) (draft.Outcome, error) {
				return c.Approve(cmd.Context(), args[0])
			})
		},
	}
}

func newDraftDismissCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <draft-id>",
		Short: "Dismiss a draft without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDraft(cmd, *configPath, "dismiss", args[0], func(c *draft.Controller) (draft.Outcome, error) {
				return c.Dismiss(cmd.Context(), args[0])
			})
		},
	}
}

func newDraftEditCmd(configPath *string) *cobra.Command {
	var content models.DraftContent

	cmd := &cobra.Command{
		Use:   "edit <draft-id>",
		Short: "Replace a draft's subject and body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if content.Subject == "" && content.Body == "" {
				return fmt.Errorf("--subject or --body is required")
			}
			return runDraft(cmd, *configPath, "edit", args[0], func(c *draft.Controller) (draft.Outcome, error) {
				return c.Edit(cmd.Context(), args[0], content)
			})
		},
	}

	cmd.Flags().StringVar(&content.Subject, "subject", "", "new subject line")
	cmd.Flags().StringVar(&content.Body, "body", "", "new message body")
	return cmd
}

// runDraft builds a controller restored from the journal, applies one
// action, and reports the outcome.
func runDraft(cmd *cobra.Command, configPath, action, id string, apply func(*draft.Controller) (draft.Outcome, error)) error {
	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctrl, err := draft.New(draft.ControllerOpts{
		Commander: a.client,
		Journal:   a.journal,
		Logger:    a.logger.Named("draft"),
	})
	if err != nil {
		return err
	}
	if err := ctrl.Restore(cmd.Context()); err != nil {
		return err
	}
	ctrl.Track(id)

	outcome, err := apply(ctrl)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outcome == draft.NoOp {
		fmt.Fprintf(out, "Draft %s is already %s; nothing to do.\n", id, ctrl.State(id))
		return nil
	}
	fmt.Fprintf(out, "Draft %s: %s applied (now %s).\n", id, action, ctrl.State(id))
	return nil
}
