package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"devscreen/internal/offline"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued submissions to the backend",
	Long: `Replay queued submissions in FIFO order. Replay stops at the first failure
so the remaining items keep their order.

With --daemon the client keeps probing the backend and replays on the
configured cron schedule and whenever connectivity returns.`,
	RunE: runSync,
}

var syncDaemon bool

func init() {
	syncCmd.Flags().BoolVar(&syncDaemon, "daemon", false, "Keep running and replay on schedule")
}

func runSync(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if !syncDaemon {
		pending, _ := rt.queue.Len()
		if pending == 0 {
			fmt.Println("✅ Nothing to replay")
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		sent, err := rt.sync.SyncNow(ctx)
		remaining, _ := rt.queue.Len()
		fmt.Printf("📤 Replayed %d of %d queued submissions (%d remaining)\n", sent, pending, remaining)
		if err != nil {
			return fmt.Errorf("replay stopped: %w", err)
		}
		return nil
	}

	rt.sync.OnEvent(func(ev offline.SyncEvent) {
		switch ev.Type {
		case offline.SyncEventOnline:
			fmt.Println("🌐 Backend reachable")
		case offline.SyncEventOffline:
			fmt.Println("📴 Backend unreachable, results will be computed offline")
		case offline.SyncEventReplayed:
			if ev.Replayed > 0 {
				fmt.Printf("📤 Replayed %d submissions (%d pending)\n", ev.Replayed, ev.Pending)
			}
		case offline.SyncEventReplayFailed:
			fmt.Printf("⚠️  Replay stopped after %d submissions (%d pending): %v\n", ev.Replayed, ev.Pending, ev.Err)
		}
	})

	if err := rt.sync.Start(); err != nil {
		return err
	}

	fmt.Printf("🔄 Sync daemon running (schedule %q, next replay %s). Press Ctrl+C to stop.\n",
		rt.cfg.ReplaySchedule, rt.sync.NextReplay(time.Now()).Local().Format(time.Kitchen))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n🛑 Stopping sync daemon...")
	return nil
}
