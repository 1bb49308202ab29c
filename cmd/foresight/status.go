package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mkowalski/foresight/internal/session"
	"github.com/mkowalski/foresight/internal/store"
)

var (
	statusList   bool
	statusFilter string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show a session's records and review flags, or list sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := slog.Default()

		mgr, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := openStore(ctx, mgr.Get(), logger)
		if err != nil {
			return err
		}
		defer st.Close()

		if statusList || len(args) == 0 {
			sessions, err := st.ListSessions(ctx, store.SessionFilter{
				Status: session.SessionStatus(statusFilter),
				Limit:  statusLimit,
			})
			if err != nil {
				return err
			}
			return printJSON(sessions)
		}

		sessionID := args[0]
		s, err := st.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		records, err := st.ListRecords(ctx, sessionID)
		if err != nil {
			return err
		}
		flags, err := st.ListReviewFlags(ctx, sessionID)
		if err != nil {
			return err
		}

		return printJSON(struct {
			Session *session.Session   `json:"session"`
			Records []session.Record   `json:"records"`
			Flags   []store.ReviewFlag `json:"review_flags,omitempty"`
		}{s, records, flags})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session; in-flight records finish, pending ones never start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := slog.Default()

		mgr, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := openStore(ctx, mgr.Get(), logger)
		if err != nil {
			return err
		}
		defer st.Close()

		machine := session.NewMachine(session.MachineConfig{Store: st, Logger: logger})
		if err := machine.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("session %s cancelled\n", args[0])
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusList, "list", false, "list sessions instead of showing one")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "filter listed sessions by status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "max sessions to list")
}
