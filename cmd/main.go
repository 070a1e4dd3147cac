package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"vehicle-telemetry-server/internal/api"
	"vehicle-telemetry-server/internal/config"
	"vehicle-telemetry-server/internal/db"
	"vehicle-telemetry-server/internal/logging"
	"vehicle-telemetry-server/internal/models"
	"vehicle-telemetry-server/internal/parser"
	"vehicle-telemetry-server/internal/pipeline"
	"vehicle-telemetry-server/internal/source"
	"vehicle-telemetry-server/internal/store"
)

var configPath string

func main() {
	// A .env file is optional; real environments set variables directly.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "telemetry-server",
		Short: "Vehicle telemetry ingestion and dashboard server",
		Long: `Ingests vehicle telemetry over a pub/sub bus or direct pull requests,
keeps a sliding window of recent readings, persists records to per-day
log files, and serves the live dashboard API.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(simulateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serveCmd runs the ingestion pipeline and dashboard API.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the telemetry server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.New(cfg.LogLevel)

			var (
				recordLog store.RecordLog
				dayLog    *store.DayLog
			)
			if cfg.Retention == config.RetentionDurable {
				dayLog, err = store.NewDayLog(cfg.DataDir, cfg.FlushThreshold, log)
				if err != nil {
					return err
				}
				recordLog = dayLog
			} else {
				recordLog = store.NewRing(cfg.RingCapacity)
			}

			session, err := store.NewSessionLog(cfg.TestDataDir, cfg.FlushThreshold, log)
			if err != nil {
				return err
			}

			pipe := pipeline.New(recordLog, session, log,
				pipeline.WithWindowSpan(cfg.WindowSpan()),
				pipeline.WithFreshness(cfg.Freshness()),
			)
			wire := parser.New(cfg.AuthKey)

			bus := source.NewBusSource(source.BusConfig{
				Addr:     cfg.Bus.Addr,
				Password: cfg.Bus.Password,
				DB:       cfg.Bus.DB,
				Channel:  cfg.Bus.Channel,
			}, wire, pipe, log)
			pull := source.NewPullSource(cfg.PullQueueDepth, wire, pipe, log)
			sources := source.NewMux(bus, pull, log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := sources.Activate(ctx, cfg.DefaultSource); err != nil {
				return err
			}

			server := api.NewServer(pipe, recordLog, dayLog, session, sources, pull,
				cfg.APIToken, log)
			httpServer := &http.Server{
				Addr:    cfg.ListenAddr,
				Handler: server.Router(),
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("telemetry server listening",
					"addr", cfg.ListenAddr, "source", cfg.DefaultSource, "retention", cfg.Retention)
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return err
			}

			// Orderly shutdown: stop ingestion, then flush anything
			// still pending before exit.
			log.Info("shutting down")
			sources.Stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("http shutdown", "error", err)
			}
			if err := session.Close(); err != nil {
				log.Error("final test session flush failed", "error", err)
			}
			if err := recordLog.Close(); err != nil {
				log.Error("final flush failed", "error", err)
				return err
			}
			log.Info("pending records flushed, exiting")
			return nil
		},
	}
}

// importCmd loads recorded day log files into the offline archive database.
func importCmd() *cobra.Command {
	var archivePath string
	var dir string

	cmd := &cobra.Command{
		Use:   "import [file...]",
		Short: "Import day log files into the archive database",
		RunE: func(cmd *cobra.Command, args []string) error {
			files := args
			if dir != "" {
				matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
				if err != nil {
					return err
				}
				files = append(files, matches...)
			}
			if len(files) == 0 {
				return fmt.Errorf("no files given (pass file paths or --dir)")
			}

			archive, err := db.Open(archivePath)
			if err != nil {
				return fmt.Errorf("archive error: %w", err)
			}
			defer archive.Close()

			total := 0
			for _, file := range files {
				n, err := archive.ImportFile(file)
				if err != nil {
					fmt.Printf("  %s: %v\n", file, err)
					continue
				}
				if n == 0 {
					fmt.Printf("  %s: already imported\n", filepath.Base(file))
					continue
				}
				fmt.Printf("  %s: %d records\n", filepath.Base(file), n)
				total += n
			}
			fmt.Printf("\nImported %d records\n", total)
			return nil
		},
	}

	cmd.Flags().StringVar(&archivePath, "archive", "telemetry_archive.db", "Path to archive database")
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Import every .csv file in a directory")
	return cmd
}

// queryCmd queries the archive database.
func queryCmd() *cobra.Command {
	var archivePath string
	var fileName string
	var limit, offset int
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query archived telemetry records",
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := db.Open(archivePath)
			if err != nil {
				return fmt.Errorf("archive error: %w", err)
			}
			defer archive.Close()

			records, err := archive.Query(fileName, limit, offset)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}

			if outputFormat == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			fmt.Printf("Found %d records\n\n", len(records))
			for _, r := range records {
				fmt.Printf("[%s %s] speed=%s soc=%s bw=%s fw=%s (%s)\n",
					r.Date, r.Time,
					orDash(r.Values["h"]), orDash(r.Values["soc"]),
					orDash(r.Values["bw"]), orDash(r.Values["fw"]),
					r.FileName)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&archivePath, "archive", "telemetry_archive.db", "Path to archive database")
	cmd.Flags().StringVarP(&fileName, "file", "f", "", "Filter by source log file name")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum records to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Records to skip")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

// statsCmd shows archive statistics.
func statsCmd() *cobra.Command {
	var archivePath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show archive statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := db.Open(archivePath)
			if err != nil {
				return fmt.Errorf("archive error: %w", err)
			}
			defer archive.Close()

			stats, err := archive.Stats()
			if err != nil {
				return err
			}
			fmt.Println("Telemetry archive statistics")
			fmt.Printf("  Imported files: %v\n", stats["imported_files"])
			fmt.Printf("  Total records:  %v\n", stats["total_records"])
			fmt.Printf("  Database:       %s\n", archivePath)
			return nil
		},
	}

	cmd.Flags().StringVar(&archivePath, "archive", "telemetry_archive.db", "Path to archive database")
	return cmd
}

// simulateCmd plays a fake vehicle against a running server, over either
// transport.
func simulateCmd() *cobra.Command {
	var mode string
	var interval time.Duration
	var count int
	var target string
	var authKey string
	var busAddr, busChannel, busPassword string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Send generated telemetry to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim := newSimState()
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			switch mode {
			case "bus":
				client := redis.NewClient(&redis.Options{Addr: busAddr, Password: busPassword})
				defer client.Close()
				return runSim(ctx, interval, count, func() error {
					return client.Publish(ctx, busChannel, sim.busMessage()).Err()
				})
			case "pull":
				httpClient := &http.Client{Timeout: 5 * time.Second}
				return runSim(ctx, interval, count, func() error {
					resp, err := httpClient.Get(target + "/data?" + sim.queryString(authKey))
					if err != nil {
						return err
					}
					resp.Body.Close()
					return nil
				})
			default:
				return fmt.Errorf("invalid mode %q (want \"bus\" or \"pull\")", mode)
			}
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "pull", "Transport to use (bus, pull)")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Delay between samples")
	cmd.Flags().IntVarP(&count, "count", "c", 0, "Samples to send (0 = until interrupted)")
	cmd.Flags().StringVarP(&target, "target", "t", "http://localhost:3000", "Server base URL for pull mode")
	cmd.Flags().StringVarP(&authKey, "key", "k", "", "Auth key for pull mode")
	cmd.Flags().StringVar(&busAddr, "bus-addr", "localhost:6379", "Bus broker address")
	cmd.Flags().StringVar(&busChannel, "bus-channel", "telemetry", "Bus channel")
	cmd.Flags().StringVar(&busPassword, "bus-password", "", "Bus password")
	return cmd
}

func runSim(ctx context.Context, interval time.Duration, count int, send func() error) error {
	sent := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := send(); err != nil {
			fmt.Printf("send failed: %v\n", err)
		} else {
			sent++
		}
		if count > 0 && sent >= count {
			fmt.Printf("sent %d samples\n", sent)
			return nil
		}
		select {
		case <-ctx.Done():
			fmt.Printf("\nsent %d samples\n", sent)
			return nil
		case <-ticker.C:
		}
	}
}

// simState drifts plausible vehicle readings between samples.
type simState struct {
	vals    map[string]float64
	counter int
}

func newSimState() *simState {
	return &simState{vals: map[string]float64{
		"h": 25, "x": 32.8597, "y": 39.9334, "gs": 85,
		"fv": 42.5, "fa": 12.3, "fw": 520, "fet": 45, "fit": 52,
		"bv": 48.2, "bc": 15.5, "bw": 745, "bwh": 125,
		"t1": 32, "t2": 34, "t3": 31, "soc": 78, "ke": 2.4,
		"jv": 48.1, "jc": 14.2, "jw": 683, "jwh": 1250,
	}}
}

func (s *simState) step() {
	vary := func(key string, span, min, max float64) {
		v := s.vals[key] + (rand.Float64()-0.5)*span
		if v < min {
			v = min
		}
		if v > max {
			v = max
		}
		s.vals[key] = v
	}
	vary("h", 5, 0, 120)
	vary("x", 0.0002, 32.5, 33.0)
	vary("y", 0.0002, 39.7, 40.2)
	vary("gs", 5, 50, 100)
	vary("fv", 1, 35, 55)
	vary("fa", 0.5, 5, 25)
	s.vals["fw"] = s.vals["fv"] * s.vals["fa"]
	vary("fet", 2, 20, 70)
	vary("fit", 2, 30, 80)
	vary("bv", 0.5, 42, 54)
	vary("bc", 1, 0, 50)
	s.vals["bw"] = s.vals["bv"] * s.vals["bc"]
	vary("bwh", 5, 0, 500)
	vary("t1", 1, 20, 50)
	vary("t2", 1, 20, 50)
	vary("t3", 1, 20, 50)
	vary("soc", 0.5, 10, 100)
	vary("ke", 0.1, 0, 5)
	vary("jv", 0.5, 42, 54)
	vary("jc", 1, 0, 40)
	s.vals["jw"] = s.vals["jv"] * s.vals["jc"]
	vary("jwh", 10, 0, 5000)
	s.counter++
}

// busMessage renders the positional-delimited encoding.
func (s *simState) busMessage() string {
	s.step()
	parts := make([]string, 0, len(models.FieldOrder))
	for _, f := range models.FieldOrder {
		parts = append(parts, fmt.Sprintf("%.2f", s.vals[f]))
	}
	return models.DefaultSchemaVersion + "_" + strings.Join(parts, "*")
}

// queryString renders the key/value encoding including the auth key, the
// vehicle id, and the upstream counter.
func (s *simState) queryString(authKey string) string {
	s.step()
	q := url.Values{}
	for _, f := range models.FieldOrder {
		q.Set(f, fmt.Sprintf("%.2f", s.vals[f]))
	}
	q.Set("id", "1")
	q.Set("c", fmt.Sprintf("%d", s.counter))
	if authKey != "" {
		q.Set("key", authKey)
	}
	return q.Encode()
}
