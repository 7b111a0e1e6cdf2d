package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/bastion/internal/audit"
	"github.com/SmitUplenchwar2687/bastion/internal/clock"
	"github.com/SmitUplenchwar2687/bastion/internal/config"
	"github.com/SmitUplenchwar2687/bastion/internal/limiter"
	"github.com/SmitUplenchwar2687/bastion/internal/ratelimit"
	"github.com/SmitUplenchwar2687/bastion/internal/store"
)

func newSimulateCmd() *cobra.Command {
	var (
		configPath string
		sim        simulation
		outputJSON bool
		auditFile  string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay attempts against a limiter on a virtual clock",
		Long: `Runs attempts for one caller against a configured limiter using a
virtual clock, so windows, lockouts and escalations that take hours play out
instantly.

Attempts are sent in a batch, optionally spaced by --interval. With
--fast-forward the clock jumps ahead and a second batch shows how the caller
recovers.`,
		Example: `  bastion simulate --limiter login --attempts 8
  bastion simulate --limiter login --attempts 6 --fast-forward 15m
  bastion simulate --limiter api --ip 198.51.100.4 --attempts 120 --interval 100ms --json
  bastion simulate --config bastion.yaml --limiter login --emergency`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			sim.limiters = cfg.Limiters
			sim.start = time.Now().Truncate(time.Second)

			result, err := runSimulation(cmd.Context(), sim)
			if err != nil {
				return err
			}

			if auditFile != "" {
				rec := audit.NewRecorder(nil)
				for _, e := range result.Events {
					_ = rec.Write(e)
				}
				if err := rec.ExportFile(auditFile); err != nil {
					return fmt.Errorf("exporting audit events: %w", err)
				}
			}

			if outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			printSimulation(cmd.OutOrStdout(), &result)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file defining the limiters")
	cmd.Flags().StringVar(&sim.limiter, "limiter", "login", "limiter to simulate")
	cmd.Flags().StringVar(&sim.request.SourceIP, "ip", "203.0.113.7", "client address of the simulated caller")
	cmd.Flags().StringVar(&sim.request.Principal, "principal", "alice@example.com", "account the caller targets")
	cmd.Flags().IntVar(&sim.attempts, "attempts", 10, "number of attempts per batch")
	cmd.Flags().DurationVar(&sim.interval, "interval", 0, "virtual time between attempts")
	cmd.Flags().DurationVar(&sim.fastForward, "fast-forward", 0, "time to fast-forward before a second batch")
	cmd.Flags().IntVar(&sim.successAfter, "success-after", 0, "report a verified success after this attempt (0 never)")
	cmd.Flags().BoolVar(&sim.emergency, "emergency", false, "run with emergency mode enabled")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")
	cmd.Flags().StringVar(&auditFile, "audit-file", "", "write the audit events to a JSON file")

	return cmd
}

type simulation struct {
	limiters     []config.LimiterConfig
	limiter      string
	request      ratelimit.Request
	start        time.Time
	attempts     int
	interval     time.Duration
	fastForward  time.Duration
	successAfter int
	emergency    bool
}

// SimulationResult captures the full output of a simulation.
type SimulationResult struct {
	Limiter     string        `json:"limiter"`
	Identifier  string        `json:"identifier"`
	FastForward string        `json:"fast_forward,omitempty"`
	Batches     []BatchResult `json:"batches"`
	Summary     Summary       `json:"summary"`
	Events      []audit.Event `json:"events"`
}

// BatchResult captures the attempts of one batch.
type BatchResult struct {
	Label    string          `json:"label"`
	Attempts []AttemptRecord `json:"attempts"`
}

// AttemptRecord is a single attempt and its decision.
type AttemptRecord struct {
	At       time.Time        `json:"at"`
	Decision limiter.Decision `json:"decision"`
	// Success is set when a verified success was reported after the attempt.
	Success bool `json:"success,omitempty"`
}

// Summary aggregates the decisions.
type Summary struct {
	TotalAttempts int `json:"total_attempts"`
	Allowed       int `json:"allowed"`
	Denied        int `json:"denied"`
}

func runSimulation(ctx context.Context, sim simulation) (SimulationResult, error) {
	if sim.attempts <= 0 {
		return SimulationResult{}, fmt.Errorf("attempts must be positive, got %d", sim.attempts)
	}
	if sim.interval < 0 || sim.fastForward < 0 {
		return SimulationResult{}, fmt.Errorf("interval and fast-forward must not be negative")
	}

	vc := clock.NewVirtual(sim.start)
	st, err := store.NewMemoryStore(&store.MemoryConfig{Clock: vc, CleanupInterval: time.Hour})
	if err != nil {
		return SimulationResult{}, err
	}
	defer st.Close()

	rec := audit.NewRecorder(nil)
	svc, err := ratelimit.New(ratelimit.Options{
		Store:  st,
		Shared: st,
		Audit:  rec,
		Clock:  vc,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		return SimulationResult{}, err
	}
	for _, l := range sim.limiters {
		if err := svc.Register(l.Limiter()); err != nil {
			return SimulationResult{}, err
		}
	}

	sim.request.Limiter = sim.limiter
	id, err := svc.Identifier(sim.request)
	if err != nil {
		return SimulationResult{}, err
	}
	if sim.emergency {
		svc.Adaptive().EnableEmergency("simulation")
	}

	result := SimulationResult{Limiter: sim.limiter, Identifier: id}
	runBatch := func(label string) error {
		batch := BatchResult{Label: label}
		for i := 0; i < sim.attempts; i++ {
			if i > 0 {
				vc.Advance(sim.interval)
			}
			d, err := svc.Check(ctx, sim.request)
			if err != nil {
				return err
			}
			a := AttemptRecord{At: vc.Now(), Decision: d}
			if d.Allowed && sim.successAfter > 0 && i+1 == sim.successAfter {
				if err := svc.ResetOnSuccess(ctx, sim.request); err != nil {
					return err
				}
				a.Success = true
			}
			batch.Attempts = append(batch.Attempts, a)

			result.Summary.TotalAttempts++
			if d.Allowed {
				result.Summary.Allowed++
			} else {
				result.Summary.Denied++
			}
		}
		result.Batches = append(result.Batches, batch)
		return nil
	}

	if err := runBatch("Initial attempts"); err != nil {
		return result, err
	}
	if sim.fastForward > 0 {
		vc.Advance(sim.fastForward)
		result.FastForward = sim.fastForward.String()
		if err := runBatch(fmt.Sprintf("After fast-forward %s", sim.fastForward)); err != nil {
			return result, err
		}
	}

	result.Events = rec.Events()
	return result, nil
}

func printSimulation(w io.Writer, r *SimulationResult) {
	fmt.Fprintln(w, "=== Bastion Simulation ===")
	fmt.Fprintf(w, "limiter=%s identifier=%s\n\n", r.Limiter, r.Identifier)

	n := 0
	for _, batch := range r.Batches {
		fmt.Fprintf(w, "--- %s ---\n", batch.Label)
		for _, a := range batch.Attempts {
			n++
			status := "ALLOW"
			if !a.Decision.Allowed {
				status = "DENY "
			}
			line := fmt.Sprintf("  #%03d %s [%s] remaining=%d/%d attempts=%d",
				n, a.At.Format(time.TimeOnly), status, a.Decision.Remaining, a.Decision.Limit, a.Decision.TotalAttempts)
			if !a.Decision.Allowed {
				line += fmt.Sprintf(" retry_after=%s", a.Decision.RetryAfter)
			}
			if a.Success {
				line += " (success reported)"
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "--- Summary ---")
	fmt.Fprintf(w, "  %d attempts, %d allowed, %d denied\n", r.Summary.TotalAttempts, r.Summary.Allowed, r.Summary.Denied)

	if len(r.Events) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "--- Audit ---")
		for _, e := range r.Events {
			fmt.Fprintf(w, "  %s %-20s %s\n", e.Timestamp.Format(time.TimeOnly), e.Event, strings.TrimSpace(e.Reason))
		}
	}
}
