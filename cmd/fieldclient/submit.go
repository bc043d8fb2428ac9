package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"devscreen/internal/models"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit [observation text]",
	Short: "Screen one observation",
	Long: `Screen one observation and print the draft result.

The observation is scored remotely when the backend answers within the
configured timeout, and by the on-device rules otherwise. Offline results are
queued for replay.`,
	Example: `  fieldclient submit --age 18 --domain social "does not respond to name, little eye contact"`,
	RunE:    runSubmit,
}

var (
	submitAge    int
	submitDomain string
	submitClinic string
	submitImage  string
	submitJSON   bool
)

func init() {
	submitCmd.Flags().IntVar(&submitAge, "age", -1, "Child's age in months (required)")
	submitCmd.Flags().StringVar(&submitDomain, "domain", "", "Developmental domain (auto-detected when empty)")
	submitCmd.Flags().StringVar(&submitClinic, "clinic", "", "Clinic that reviews flagged cases (default from config)")
	submitCmd.Flags().StringVar(&submitImage, "image", "", "Reference to an attached image")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Print the draft as JSON")
	submitCmd.MarkFlagRequired("age")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return fmt.Errorf("observation text is required")
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	clinicID := submitClinic
	if clinicID == "" {
		clinicID = rt.cfg.ClinicID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if verbose {
		updates := make(chan models.NodeUpdate, 16)
		rt.pipeline.Engine().SetUpdates(updates)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for u := range updates {
				fmt.Printf("  ⚙️  %s (%s): %s\n", u.NodeID, u.NodeType, u.Status)
			}
		}()
		defer func() {
			close(updates)
			<-done
		}()
	}

	draft, err := rt.pipeline.Submit(ctx, models.Submission{
		ClinicID:        clinicID,
		AgeMonths:       submitAge,
		Domain:          submitDomain,
		ObservationText: text,
		ImageRef:        submitImage,
	})
	if err != nil {
		return err
	}

	if submitJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(draft)
	}

	modeIcon := "🌐"
	if draft.Result.Mode == models.ModeOffline {
		modeIcon = "📴"
	}
	fmt.Printf("%s Risk: %s (confidence %.2f, %s)\n", modeIcon, draft.Result.Risk, draft.Result.Confidence, draft.Result.Mode)
	if draft.Rationale != "" {
		fmt.Printf("   %s\n", draft.Rationale)
	}
	if len(draft.Summary) > 0 {
		fmt.Println()
		fmt.Println("Summary:")
		for _, line := range draft.Summary {
			fmt.Printf("  • %s\n", line)
		}
	}
	if len(draft.Recommendations) > 0 {
		fmt.Println()
		fmt.Println("Recommendations:")
		for _, line := range draft.Recommendations {
			fmt.Printf("  • %s\n", line)
		}
	}
	fmt.Println()

	if draft.Queued {
		fmt.Println("📥 Queued for replay when the backend is reachable")
	}
	if draft.NeedsReview {
		fmt.Printf("🩺 Needs clinician review: %s\n", strings.Join(draft.ReviewReasons, "; "))
		if draft.Admitted {
			fmt.Printf("   Admitted to clinic %s as case %s\n", clinicID, draft.SubmissionID)
		} else if clinicID == "" {
			fmt.Println("   No clinic configured; set clinic_id to admit cases for review")
		}
	}
	return nil
}
