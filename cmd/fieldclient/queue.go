package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"devscreen/internal/models"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List submissions waiting for replay",
	RunE:  runQueueList,
}

var queueReviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Show the clinic's shared review queue",
	RunE:  runQueueReview,
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Finalize reviewed cases and inspect audit trails",
}

var reviewFinalizeCmd = &cobra.Command{
	Use:   "finalize [case-id]",
	Short: "Record the final decision on a case and remove it from the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewFinalize,
}

var reviewAuditCmd = &cobra.Command{
	Use:   "audit [case-id]",
	Short: "Show a case's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewAudit,
}

var (
	queueJSON      bool
	reviewClinic   string
	reviewDecision string
	reviewNotes    string
)

func init() {
	queueCmd.AddCommand(queueReviewCmd)
	queueCmd.Flags().BoolVar(&queueJSON, "json", false, "Print as JSON")
	queueReviewCmd.Flags().StringVar(&reviewClinic, "clinic", "", "Clinic ID (default from config)")

	reviewCmd.AddCommand(reviewFinalizeCmd, reviewAuditCmd)
	reviewCmd.PersistentFlags().StringVar(&reviewClinic, "clinic", "", "Clinic ID (default from config)")
	reviewFinalizeCmd.Flags().StringVar(&reviewDecision, "decision", "", "approved, rejected or corrected (required)")
	reviewFinalizeCmd.Flags().StringVar(&reviewNotes, "notes", "", "Reviewer notes")
	reviewFinalizeCmd.MarkFlagRequired("decision")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	items, err := rt.queue.List()
	if err != nil {
		return err
	}

	if queueJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	if len(items) == 0 {
		fmt.Println("📭 No queued submissions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tDOMAIN\tAGE\tQUEUED\tATTEMPTS\tLAST ERROR")
	for _, item := range items {
		sub := item.Submission
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%d\t%s\n",
			item.Seq, sub.ID, orDash(sub.Domain), sub.AgeMonths,
			sub.EnqueuedAt.Local().Format(time.DateTime), item.Attempts, orDash(item.LastError))
	}
	return w.Flush()
}

func runQueueReview(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	clinicID, err := clinicOrDefault(cfg.ClinicID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pending, err := newHITLClient(cfg).Pending(ctx, clinicID)
	if err != nil {
		return err
	}

	fmt.Printf("🩺 Clinic %s: %d cases pending, %d clinicians online\n", pending.ClinicID, pending.Count, pending.Online)
	if pending.Count == 0 {
		return nil
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tCASE\tASSIGNED\tENQUEUED")
	for _, e := range pending.Queue {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Position, e.CaseID, orDash(e.ClinicianAssigned), e.EnqueuedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runReviewFinalize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	clinicID, err := clinicOrDefault(cfg.ClinicID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err = newHITLClient(cfg).Finalize(ctx, models.FinalizeRequest{
		ClinicID: clinicID,
		CaseID:   args[0],
		Decision: strings.ToLower(reviewDecision),
		Notes:    reviewNotes,
	})
	if err != nil {
		return err
	}
	fmt.Printf("✅ Case %s finalized (%s)\n", args[0], reviewDecision)
	return nil
}

func runReviewAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	clinicID, err := clinicOrDefault(cfg.ClinicID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	trail, err := newHITLClient(cfg).Audit(ctx, clinicID, args[0])
	if err != nil {
		return err
	}
	if len(trail.Events) == 0 {
		fmt.Printf("📭 No audit events for case %s\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tACTOR\tNOTES")
	for _, ev := range trail.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.Timestamp.Local().Format(time.DateTime), ev.Action, orDash(ev.ActorID), ev.Notes)
	}
	return w.Flush()
}

func clinicOrDefault(fallback string) (string, error) {
	if reviewClinic != "" {
		return reviewClinic, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no clinic given: pass --clinic or set clinic_id in the config")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
