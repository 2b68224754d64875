// refgc runs reference-processing cycles over a heap scenario and reports
// what each cycle cleared and finalized.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/refgc/config"
	"github.com/chazu/refgc/sim"
	"github.com/chazu/refgc/snapshot"
	"github.com/chazu/refgc/stats"
	"github.com/chazu/refgc/weak"
)

type options struct {
	configDir string
	scenario  string
	cycles    int
	nursery   bool
	compact   bool
	dump      string
	statsDB   string
	// verbosity overrides the configured log verbosity when -v is given.
	verbosity *int
}

func main() {
	var opts options
	flag.StringVar(&opts.configDir, "config", "", "Directory containing refgc.toml (default: search upwards from the working directory)")
	flag.StringVar(&opts.scenario, "scenario", "", "Heap scenario to load (.toml or CBOR snapshot)")
	flag.IntVar(&opts.cycles, "cycles", 1, "Number of collections to run")
	flag.BoolVar(&opts.nursery, "nursery", false, "Run nursery collections")
	flag.BoolVar(&opts.compact, "compact", false, "Evacuate survivors after every collection")
	flag.StringVar(&opts.dump, "dump", "", "Write the final heap to this file (.toml or CBOR)")
	flag.StringVar(&opts.statsDB, "stats-db", "", "Record cycle history in this sqlite database")
	verbosity := flag.Int("v", 0, "Log verbosity, -4 to 4 (overrides refgc.toml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: refgc -scenario FILE [options]\n\n")
		fmt.Fprintf(os.Stderr, "Loads a heap scenario and collects it, reporting cleared references and finalizers.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  refgc -scenario cache.toml                 # One full collection\n")
		fmt.Fprintf(os.Stderr, "  refgc -scenario cache.toml -cycles 3 -compact -dump after.snap\n")
		fmt.Fprintf(os.Stderr, "  refgc -scenario cache.toml -stats-db history.db\n")
	}
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "v" {
			opts.verbosity = verbosity
		}
	})

	if opts.scenario == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func (o options) validate() error {
	if o.compact && o.nursery {
		return errors.New("-compact and -nursery cannot be combined: compaction always runs a full collection")
	}
	if o.cycles < 1 {
		return fmt.Errorf("-cycles must be at least 1, got %d", o.cycles)
	}
	return nil
}

func logVerbosity(cfg *config.Config, opts options) int {
	if opts.verbosity != nil {
		return *opts.verbosity
	}
	return cfg.Log.Verbosity
}

func run(opts options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configDir)
	if err != nil {
		return err
	}

	var logPath *string
	if cfg.Log.File != "" {
		logPath = &cfg.Log.File
	}
	commonlog.Configure(logVerbosity(cfg, opts), logPath)

	s, err := snapshot.LoadFile(opts.scenario)
	if err != nil {
		return err
	}
	built, err := snapshot.Build(s, cfg.Heap.Words)
	if err != nil {
		return fmt.Errorf("building %s: %w", opts.scenario, err)
	}

	rt := sim.NewRuntime()
	defer rt.Close()
	eng := sim.NewEngine(built.Heap, rt, sim.OptionsFromConfig(cfg))
	if err := eng.Load(built); err != nil {
		return err
	}

	dbPath := opts.statsDB
	if dbPath == "" {
		dbPath = cfg.StatsPath()
	}
	var store *stats.Store
	if dbPath != "" {
		store, err = stats.Open(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	fmt.Printf("Loaded %s objects (%s of heap) from %s\n",
		humanize.Comma(int64(len(built.Objects))),
		humanize.Bytes(uint64(built.Heap.Arena().Used())*8),
		opts.scenario)

	ctx := context.Background()
	for i := 1; i <= opts.cycles; i++ {
		var res sim.Result
		if opts.compact {
			res, err = eng.Compact()
		} else {
			res, err = eng.Collect(opts.nursery)
		}
		if err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		printCycle(i, res)

		if store != nil {
			if _, err := store.Record(ctx, res.CycleStats); err != nil {
				return err
			}
		}

		ran := eng.RunFinalizers(func(f weak.Finalizable) {
			fmt.Printf("  finalize %s (finalizer %d)\n", f.Object, f.Finalizer)
		})
		if ran > 0 {
			fmt.Printf("  ran %s finalizers\n", humanize.Comma(int64(ran)))
		}
		if cleared := eng.TakeEnqueued(); len(cleared) > 0 {
			fmt.Printf("  %s references enqueued\n", humanize.Comma(int64(len(cleared))))
		}
	}

	if store != nil {
		totals, n, err := store.Totals(ctx, store.Run())
		if err != nil {
			return err
		}
		fmt.Printf("Recorded %d cycles as run %s: %s weak, %s phantom cleared\n",
			n, store.Run(), humanize.Comma(int64(totals.WeakCleared)), humanize.Comma(int64(totals.PhantomCleared)))
	}

	if opts.dump != "" {
		snap, err := eng.Snapshot()
		if err != nil {
			return err
		}
		if err := snapshot.WriteFile(opts.dump, snap); err != nil {
			return err
		}
		fmt.Printf("Wrote %s objects to %s\n", humanize.Comma(int64(len(snap.Objects))), opts.dump)
	}
	return nil
}

func printCycle(i int, res sim.Result) {
	fmt.Printf("Cycle %d: %s marked in %s\n", i, humanize.Comma(int64(res.Marked)), res.Duration)
	fmt.Printf("  cleared soft=%d weak=%d late=%d phantom=%d, %d ready for finalization\n",
		res.SoftCleared, res.WeakCleared, res.LateCleared, res.PhantomCleared, res.Readied)
	if res.Compacted {
		fmt.Printf("  reclaimed %s\n", humanize.Bytes(uint64(res.Reclaimed)*8))
	}
}
