package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/HammerMeetNail/slotswap/internal/config"
	"github.com/HammerMeetNail/slotswap/internal/swap"
)

// RepairFailure records an orphan that could not be released.
type RepairFailure struct {
	SlotID uuid.UUID `json:"slot_id" yaml:"slot_id"`
	Error  string    `json:"error" yaml:"error"`
}

// ReconcileResult is the scan report plus what --repair did with it.
type ReconcileResult struct {
	PendingSlots    int             `json:"pending_slots" yaml:"pending_slots"`
	PendingRequests int             `json:"pending_requests" yaml:"pending_requests"`
	Findings        []swap.Finding  `json:"findings" yaml:"findings"`
	Repaired        []uuid.UUID     `json:"repaired" yaml:"repaired"`
	Failed          []RepairFailure `json:"failed" yaml:"failed"`
}

func newReconcileResult(report *swap.Report) *ReconcileResult {
	return &ReconcileResult{
		PendingSlots:    report.PendingSlots,
		PendingRequests: report.PendingRequests,
		Findings:        report.Findings,
		Repaired:        []uuid.UUID{},
		Failed:          []RepairFailure{},
	}
}

// Clean reports whether nothing is left to fix.
func (r *ReconcileResult) Clean() bool {
	if len(r.Failed) > 0 {
		return false
	}
	repaired := make(map[uuid.UUID]bool, len(r.Repaired))
	for _, id := range r.Repaired {
		repaired[id] = true
	}
	for _, f := range r.Findings {
		if f.Kind == swap.FindingOrphanSlot && f.SlotID != nil && repaired[*f.SlotID] {
			continue
		}
		return false
	}
	return true
}

func (r *ReconcileResult) renderText(w io.Writer) error {
	fmt.Fprintf(w, "Locked slots:     %d\n", r.PendingSlots)
	fmt.Fprintf(w, "Pending requests: %d\n", r.PendingRequests)

	if len(r.Findings) == 0 {
		_, err := fmt.Fprintln(w, "No inconsistencies found.")
		return err
	}

	fmt.Fprintf(w, "\nFindings (%d):\n", len(r.Findings))
	for _, f := range r.Findings {
		id := ""
		switch {
		case f.SlotID != nil:
			id = "slot " + f.SlotID.String()
		case f.RequestID != nil:
			id = "request " + f.RequestID.String()
		}
		fmt.Fprintf(w, "  %-14s %s: %s\n", f.Kind, id, f.Detail)
	}

	if len(r.Repaired) > 0 {
		fmt.Fprintf(w, "\nReleased (%d):\n", len(r.Repaired))
		for _, id := range r.Repaired {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}
	if len(r.Failed) > 0 {
		fmt.Fprintf(w, "\nFailed (%d):\n", len(r.Failed))
		for _, f := range r.Failed {
			fmt.Fprintf(w, "  %s: %s\n", f.SlotID, f.Error)
		}
	}
	return nil
}

type reconcileOptions struct {
	root   *RootOptions
	repair bool
	minAge time.Duration
}

func newReconcileCommand(root *RootOptions) *cobra.Command {
	opts := &reconcileOptions{root: root}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Find slots left locked by failed swap transactions",
		Long: `Scan the store for SWAP_PENDING slots that no pending request refers to
and for pending requests whose slots are not locked.

With --repair, orphaned slots are released back to SWAPPABLE. A slot is
only released once neither it nor any request referencing it has been
written for --min-age, so a swap that is still finishing is left alone.
Broken requests are only reported. Exits 1 when anything is left
unresolved.`,
		Args: cobra.NoArgs,
		RunE: opts.run,
	}
	cmd.Flags().BoolVar(&opts.repair, "repair", false, "release orphaned slots")
	cmd.Flags().DurationVar(&opts.minAge, "min-age", swap.DefaultRepairAge, "quiet period before an orphaned slot is released")

	return cmd
}

func (o *reconcileOptions) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := o.root.formatter(cmd)

	cfg, err := o.root.deps.LoadConfig()
	if err != nil {
		return commandError("loading configuration", err)
	}
	if cfg.Store.Driver == config.DriverMemory {
		return commandError("the memory store is not shared with the server; nothing to reconcile", nil)
	}

	backend, release, err := o.root.deps.OpenBackend(ctx, cfg)
	if err != nil {
		return commandError("opening store", err)
	}
	defer release()

	reconciler := swap.NewReconciler(backend.Store, o.root.deps.Logger, swap.WithRepairAge(o.minAge))
	out.VerboseLog("scanning %s store", backend.Driver)

	report, err := reconciler.Scan(ctx)
	if err != nil {
		return commandError("scanning store", err)
	}

	result := newReconcileResult(report)
	if o.repair {
		for _, id := range report.Orphans() {
			out.VerboseLog("releasing slot %s", id)
			if err := reconciler.Repair(ctx, id); err != nil {
				result.Failed = append(result.Failed, RepairFailure{SlotID: id, Error: err.Error()})
				continue
			}
			result.Repaired = append(result.Repaired, id)
		}
	}

	if err := out.Write(result); err != nil {
		return commandError("writing report", err)
	}
	if !result.Clean() {
		return &ExitError{Code: ExitFindings, Message: "inconsistent swap state remains"}
	}
	return nil
}
