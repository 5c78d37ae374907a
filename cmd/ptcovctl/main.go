// Command ptcovctl is a developer tool for the ptcov engine: it replays a
// previously captured PT aux dump offline through the same disassembler/
// decoder/walker/bitmap pipeline a live session uses, without opening a
// perf_event_open(2) trace. It exists for bug reports and regression
// fixtures, not as the fuzzer's own CLI (that loop is out of scope here).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ufwt/ptcov/bitmap"
	"github.com/ufwt/ptcov/config"
	"github.com/ufwt/ptcov/disasm"
	"github.com/ufwt/ptcov/ptlog"
	"github.com/ufwt/ptcov/ptpacket"
	"github.com/ufwt/ptcov/tnt"
	"github.com/ufwt/ptcov/walker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ptcovctl",
		Short:         "Developer tooling for the ptcov trace-ingestion engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newReplayCmd())
	return root
}

func newReplayCmd() *cobra.Command {
	var cfgPath, auxPath, outPath string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Decode a captured aux dump offline and write out the resulting bitmap",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cfgPath, auxPath, outPath)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to the engine YAML config (required)")
	cmd.Flags().StringVar(&auxPath, "aux", "", "path to a raw captured aux ring dump (required)")
	cmd.Flags().StringVar(&outPath, "out", "", "path to write the resulting coverage bitmap (default: stdout summary only)")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("aux")

	return cmd
}

func runReplay(cfgPath, auxPath, outPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	ptlog.SetLevel(ptlog.ParseLevel(cfg.LogLevel))

	image, err := os.ReadFile(cfg.ImagePath)
	if err != nil {
		return fmt.Errorf("ptcovctl: read target image: %w", err)
	}
	cofiMap, numInst, err := disasm.BuildMap(image, cfg.BaseAddress)
	if err != nil {
		return fmt.Errorf("ptcovctl: build COFI map: %w", err)
	}
	ptlog.Logf(ptlog.Info, "ptcovctl: disassembled %d instructions, %d COFI records", numInst, cofiMap.Size())

	aux, err := os.ReadFile(auxPath)
	if err != nil {
		return fmt.Errorf("ptcovctl: read aux dump: %w", err)
	}

	bm := bitmap.New(cfg.MapSize)
	cache := tnt.New()
	w := walker.New(cofiMap, bm, cfg.BaseAddress, cfg.MaxAddress)
	dec := ptpacket.NewDecoder(w, bm, cache, cfg.BaseAddress, cfg.MaxAddress, cfg.EntryPoint)

	// A one-shot offline replay has no live ring: the whole file is the
	// window, so tail=0 and head is one past its last byte (spec.md §4.4's
	// aux_tail < aux_head contract, the same one a live session's poll
	// loop satisfies every iteration).
	if err := dec.Decode(aux, 0, uint64(len(aux))+1); err != nil {
		ptlog.Logf(ptlog.Warn, "ptcovctl: decode ended early: %v", err)
	}

	fmt.Printf("decoded %d branch transitions\n", dec.NumDecodedBranch())

	if outPath == "" {
		return nil
	}
	out := make([]byte, bm.Size())
	bm.CopyOut(out)
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return fmt.Errorf("ptcovctl: write bitmap: %w", err)
	}
	return nil
}
