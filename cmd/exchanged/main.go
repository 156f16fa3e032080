// cmd/exchanged is the process entrypoint hosting UBSCore, MatchingService,
// and SettlementService in one address space.
//
// Usage:
//
//	exchanged run --config exchanged.yaml
//	exchanged snapshot --config exchanged.yaml
//	exchanged recover --config exchanged.yaml
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"exchange-core/internal/config"
	"exchange-core/internal/matching"
	"exchange-core/internal/settlement"
	"exchange-core/internal/ubscore"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "exchanged",
		Short: "Durability and recovery core for the matching exchange",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults used if absent)")
	root.AddCommand(runCmd(), snapshotCmd(), recoverCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrus.NewEntry(log)
}

// triad bundles the three recovered services and their shutdown order.
type triad struct {
	ubs *ubscore.Service
	mtc *matching.Service
	stl *settlement.Service
}

// bootTriad recovers all three services in dependency order (spec.md §2:
// WAL codec → UBSCore → MatchingService → SettlementService) and wires the
// live subscriptions that keep MatchingService and SettlementService
// current once recovery hands off to the runtime command path.
func bootTriad(cfg config.Config, log *logrus.Entry) (*triad, error) {
	ubs, err := ubscore.Open(cfg.UBSCore.DataDir, cfg.UBSCore, log)
	if err != nil {
		return nil, fmt.Errorf("open ubscore: %w", err)
	}

	mtc, err := matching.Open(cfg.Matching.DataDir, cfg.Matching, ubs, log)
	if err != nil {
		ubs.Close()
		return nil, fmt.Errorf("open matching: %w", err)
	}

	stl, err := settlement.Open(cfg.Settlement.DataDir, cfg.Settlement, mtc, log)
	if err != nil {
		mtc.Close()
		ubs.Close()
		return nil, fmt.Errorf("open settlement: %w", err)
	}

	ubs.Subscribe(func(vo ubscore.ValidOrder) {
		if err := mtc.HandleOrder(vo); err != nil {
			log.WithError(err).Error("matching failed to handle order")
		}
	})
	mtc.Subscribe(func(t matching.Trade) {
		if err := stl.ProcessTrade(t); err != nil {
			log.WithError(err).Error("settlement failed to process trade")
		}
	})

	return &triad{ubs: ubs, mtc: mtc, stl: stl}, nil
}

func (t *triad) snapshotAll(log *logrus.Entry) {
	if _, err := t.ubs.SnapshotNow(); err != nil {
		log.WithError(err).Error("ubscore snapshot failed")
	}
	if _, err := t.mtc.SnapshotNow(); err != nil {
		log.WithError(err).Error("matching snapshot failed")
	}
	if _, err := t.stl.SnapshotNow(); err != nil {
		log.WithError(err).Error("settlement snapshot failed")
	}
}

// close shuts services down in reverse dependency order.
func (t *triad) close(log *logrus.Entry) {
	if err := t.stl.Close(); err != nil {
		log.WithError(err).Error("settlement close failed")
	}
	if err := t.mtc.Close(); err != nil {
		log.WithError(err).Error("matching close failed")
	}
	if err := t.ubs.Close(); err != nil {
		log.WithError(err).Error("ubscore close failed")
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Recover and run the triad, blocking until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			t, err := bootTriad(cfg, log)
			if err != nil {
				return err
			}
			defer t.close(log)

			stopTicker := make(chan struct{})
			go func() {
				ticker := time.NewTicker(10 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if err := t.ubs.MaybeSnapshot(); err != nil {
							log.WithError(err).Warn("ubscore snapshot cadence failed")
						}
						if err := t.mtc.MaybeSnapshot(); err != nil {
							log.WithError(err).Warn("matching snapshot cadence failed")
						}
						if err := t.stl.MaybeSnapshot(); err != nil {
							log.WithError(err).Warn("settlement snapshot cadence failed")
						}
					case <-stopTicker:
						return
					}
				}
			}()

			log.Info("exchanged running")
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			close(stopTicker)

			log.Info("shutting down, taking final snapshots")
			t.snapshotAll(log)
			return nil
		},
	}
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Recover the triad, force an immediate snapshot of each service, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			t, err := bootTriad(cfg, log)
			if err != nil {
				return err
			}
			defer t.close(log)

			t.snapshotAll(log)
			return nil
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Recover the triad and print a state summary without starting the write path",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			t, err := bootTriad(cfg, log)
			if err != nil {
				return err
			}
			defer t.close(log)

			fmt.Printf("ubscore:    next_seq_id=%d\n", t.ubs.NextSeqID())
			fmt.Printf("matching:   next_trade_id=%d\n", t.mtc.NextTradeID())
			fmt.Printf("settlement: last_trade_id=%d\n", t.stl.LastTradeID())
			return nil
		},
	}
}
