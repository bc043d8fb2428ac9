package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"devscreen/internal/hitlclient"
	"devscreen/internal/models"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the clinic review queue live",
	Long: `Connect to the coordinator as a clinician and print queue and presence
changes as they happen. Reconnects with exponential backoff.`,
	RunE: runWatch,
}

var (
	watchClinic    string
	watchClinician string
	watchSelect    string
)

func init() {
	watchCmd.Flags().StringVar(&watchClinic, "clinic", "", "Clinic ID (default from config)")
	watchCmd.Flags().StringVar(&watchClinician, "clinician", "", "Clinician ID shown to others")
	watchCmd.Flags().StringVar(&watchSelect, "select", "", "Select this case once connected")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	clinicID := watchClinic
	if clinicID == "" {
		clinicID = cfg.ClinicID
	}
	if clinicID == "" {
		return fmt.Errorf("no clinic given: pass --clinic or set clinic_id in the config")
	}
	if cfg.AuthToken == "" {
		return fmt.Errorf("no token configured: run 'fieldclient token --save' or set auth_token")
	}

	client := hitlclient.New(hitlclient.Options{
		BaseURL:     cfg.CoordinatorURL,
		ClinicID:    clinicID,
		ClinicianID: watchClinician,
		Token:       cfg.AuthToken,
	})

	selected := false
	client.OnStateChange(func(s hitlclient.State) {
		fmt.Printf("🔌 %s\n", s)
		if s == hitlclient.StateConnected && watchSelect != "" && !selected {
			selected = true
			client.SelectCase(watchSelect)
		}
	})
	client.OnMessage(printServerMessage)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("👀 Watching clinic %s at %s. Press Ctrl+C to stop.\n", clinicID, cfg.CoordinatorURL)
	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printServerMessage(msg hitlclient.Message) {
	stamp := time.Now().Format(time.TimeOnly)

	switch msg.Type {
	case models.MessageClinicianJoined:
		var data models.ClinicianJoinedData
		if msg.Decode(&data) != nil {
			return
		}
		verb := "joined"
		if data.Left {
			verb = "left"
		}
		who := data.ClinicianID
		if who == "" {
			who = "a clinician"
		}
		fmt.Printf("[%s] 👥 %s %s (%d online)\n", stamp, who, verb, data.Online)

	case models.MessageQueueUpdated:
		var data models.QueueUpdatedData
		if msg.Decode(&data) != nil {
			return
		}
		if data.CaseID != "" {
			fmt.Printf("[%s] 📋 %s moved to position %d, %d cases queued\n", stamp, data.CaseID, data.Position, data.Count)
		} else {
			fmt.Printf("[%s] 📋 %d cases queued\n", stamp, data.Count)
		}
		for _, e := range data.Queue {
			fmt.Printf("    %d. %s %s\n", e.Position+1, e.CaseID, e.ClinicianAssigned)
		}

	case models.MessageDecisionMade:
		var data models.DecisionMadeData
		if msg.Decode(&data) != nil {
			return
		}
		fmt.Printf("[%s] ✅ %s: %s by %s\n", stamp, data.CaseID, orDash(data.Decision), orDash(data.ClinicianID))
	}
}
