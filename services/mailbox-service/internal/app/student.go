package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/api"
)

// Operator commands acting on a single student

const cliActor = "cli"

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize one student's mailbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		studentID, err := studentFlag(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		svc, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.sync.Sync(ctx, cliActor, studentID)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Sync complete: %d created, %d updated, %d errors\n", res.Created, res.Updated, res.Errors)
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Disconnect one student's mailbox and revoke its grant",
	RunE: func(cmd *cobra.Command, args []string) error {
		studentID, err := studentFlag(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		svc, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.conns.Disconnect(ctx, cliActor, studentID); err != nil {
			return err
		}
		fmt.Printf("✓ Mailbox of %s disconnected\n", studentID)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Disconnect a student and delete their mirror, folders and connection record",
	Long:  "Removes everything stored for a student. The audit trail is kept.",
	RunE: func(cmd *cobra.Command, args []string) error {
		studentID, err := studentFlag(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		svc, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.conns.Disconnect(ctx, cliActor, studentID); err != nil {
			return err
		}
		if err := svc.store.PurgeStudent(ctx, studentID); err != nil {
			return fmt.Errorf("failed to purge student: %w", err)
		}
		fmt.Printf("✓ Student %s purged\n", studentID)
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print the most recent audit entries of a student",
	RunE: func(cmd *cobra.Command, args []string) error {
		studentID, err := studentFlag(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()

		svc, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		entries, err := svc.store.ListAudit(ctx, studentID, limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %-15s %-24s %s\n", e.CreatedAt.Format(time.RFC3339), e.Action, e.Actor, e.Message)
		}
		return nil
	},
}

// tokenCmd mints bearer tokens for local development against the API
var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an API bearer token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		var studentID uuid.UUID
		if role == api.RoleStudent {
			id, err := studentFlag(cmd)
			if err != nil {
				return err
			}
			studentID = id
		}

		svc, err := bootstrap(context.Background())
		if err != nil {
			return err
		}
		defer svc.Close()

		tok, err := api.IssueToken(svc.cfg.API.JWTSecret, args[0], role, studentID, ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, disconnectCmd, purgeCmd, auditCmd} {
		c.Flags().String("student", "", "Student ID (UUID)")
		c.MarkFlagRequired("student")
		rootCmd.AddCommand(c)
	}
	auditCmd.Flags().Int("limit", 50, "Maximum number of entries")

	tokenCmd.Flags().String("student", "", "Student ID, required for the student role")
	tokenCmd.Flags().String("role", api.RoleStaff, "Token role: 'staff' or 'student'")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
