package main

import (
	"context"
	"fmt"
	"time"

	"devscreen/internal/config"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend, queue and config status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Println("📊 devscreen field client")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rt.inference.Health(ctx); err != nil {
		fmt.Printf("🌐 Backend: ❌ unreachable (%s)\n", rt.cfg.BackendURL)
		fmt.Printf("   %v\n", err)
	} else {
		fmt.Printf("🌐 Backend: ✅ reachable (%s)\n", rt.cfg.BackendURL)
	}
	fmt.Printf("🩺 Coordinator: %s\n", rt.cfg.CoordinatorURL)
	if rt.cfg.ClinicID != "" {
		fmt.Printf("   Clinic: %s\n", rt.cfg.ClinicID)
	} else {
		fmt.Println("   Clinic: not set (cases are not admitted for review)")
	}
	fmt.Println()

	pending, err := rt.queue.Len()
	if err != nil {
		return err
	}
	fmt.Printf("📥 Queued submissions: %d\n", pending)
	if pending > 0 {
		fmt.Printf("   Next scheduled replay: %s\n", rt.sync.NextReplay(time.Now()).Local().Format(time.RFC1123))
	}
	fmt.Printf("🧮 Circuit breaker: opens after %d failures for %s\n", rt.cfg.BreakerThreshold, rt.cfg.BreakerCooldown)
	fmt.Printf("🗄️  Result cache: %s (TTL %s)\n", rt.store.Path(), rt.cache.TTL())
	fmt.Println()

	path := configPath
	if path == "" {
		path = config.DefaultClientPath()
	}
	fmt.Printf("📁 Config file: %s\n", path)
	if rt.cfg.PipelineFile != "" {
		fmt.Printf("🧩 Pipeline: %s (%s)\n", rt.pipeline.Graph().Name, rt.cfg.PipelineFile)
	} else {
		fmt.Printf("🧩 Pipeline: %s (built-in)\n", rt.pipeline.Graph().Name)
	}
	return nil
}
