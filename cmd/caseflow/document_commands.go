package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newDocumentCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Register documents and case members",
	}
	cmd.AddCommand(newDocumentAddCommand(ctx))
	cmd.AddCommand(newDocumentShowCommand(ctx))
	cmd.AddCommand(newMemberAddCommand(ctx))
	return cmd
}

func newDocumentAddCommand(ctx *commandContext) *cobra.Command {
	var caseID, source string
	cmd := &cobra.Command{
		Use:   "add <document-id>",
		Short: "Register a document under a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(caseID) == "" {
				return fmt.Errorf("--case is required")
			}
			return ctx.withEnv(func(env *environment) error {
				doc, err := env.jobs.CreateDocument(ctx.commandCtx(cmd), args[0], caseID, source)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered document %s in case %s\n", doc.ID, doc.CaseID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "Owning case id")
	cmd.Flags().StringVar(&source, "source", "", "Path to the document's source text")
	return cmd
}

func newDocumentShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show a document's processing state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				doc, err := env.jobs.GetDocument(ctx.commandCtx(cmd), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Document:    %s\n", doc.ID)
				fmt.Fprintf(out, "Case:        %s\n", doc.CaseID)
				fmt.Fprintf(out, "Source:      %s\n", dash(doc.SourcePath))
				fmt.Fprintf(out, "OCR status:  %s\n", doc.OCRStatus)
				fmt.Fprintf(out, "Lock holder: %s\n", dash(doc.LockHolder))
				fmt.Fprintf(out, "Lock expiry: %s\n", formatWhen(doc.LockExpiry))
				if doc.LastError != "" {
					fmt.Fprintf(out, "Last error:  %s (retries %d)\n", doc.LastError, doc.RetryCount)
				}
				return nil
			})
		},
	}
}

func newMemberAddCommand(ctx *commandContext) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "member <case-id> <principal-id>",
		Short: "Grant a principal membership of a case",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEnv(func(env *environment) error {
				if err := env.jobs.AddMember(ctx.commandCtx(cmd), args[0], args[1], role); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s to case %s as %s\n", args[1], args[0], role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "member", "Membership role")
	return cmd
}
