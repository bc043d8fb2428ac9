package main

import (
	"fmt"
	"os"
	"time"

	"devscreen/internal/config"
	"devscreen/pkg/auth"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development clinician token",
	Long: `Sign a clinician JWT with the coordinator's HITL_JWT_SECRET. Intended for
development and testing; production tokens come from the clinic's identity
provider.`,
	RunE: runToken,
}

var (
	tokenSecret    string
	tokenClinician string
	tokenClinic    string
	tokenRole      string
	tokenTTL       time.Duration
	tokenSave      bool
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Signing secret (default $HITL_JWT_SECRET)")
	tokenCmd.Flags().StringVar(&tokenClinician, "clinician", "", "Clinician ID (required)")
	tokenCmd.Flags().StringVar(&tokenClinic, "clinic", "", "Clinic scope, or * for all clinics (default from config)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "clinician", "Role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "Token lifetime")
	tokenCmd.Flags().BoolVar(&tokenSave, "save", false, "Store the token as auth_token in the config file")
	tokenCmd.MarkFlagRequired("clinician")
}

func runToken(cmd *cobra.Command, args []string) error {
	secret := tokenSecret
	if secret == "" {
		secret = os.Getenv("HITL_JWT_SECRET")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	clinicID := tokenClinic
	if clinicID == "" {
		clinicID = cfg.ClinicID
	}

	jwtAuth, err := auth.NewLocalJWTAuth(secret, tokenTTL)
	if err != nil {
		return err
	}
	token, err := jwtAuth.GenerateToken(tokenClinician, tokenRole, clinicID)
	if err != nil {
		return err
	}

	if !tokenSave {
		fmt.Println(token)
		return nil
	}

	path := configPath
	if path == "" {
		path = config.DefaultClientPath()
	}
	cfg.AuthToken = token
	if cfg.ClinicID == "" && clinicID != auth.AnyClinic {
		cfg.ClinicID = clinicID
	}
	if err := config.SaveClient(path, cfg); err != nil {
		return err
	}
	fmt.Printf("✅ Token for %s saved to %s (expires in %s)\n", tokenClinician, path, tokenTTL)
	return nil
}
