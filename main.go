package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lindend/lsmkv/internal/config"
	"github.com/lindend/lsmkv/internal/db"
	"github.com/lindend/lsmkv/internal/lsmtree"
	"github.com/lindend/lsmkv/internal/metrics"
	"github.com/lindend/lsmkv/internal/sstable"
	"github.com/lindend/lsmkv/internal/workload"
)

const (
	workloadRandom  = "random"
	workloadCorrect = "correct"
	workloadInserts = "inserts"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	var (
		dir         = flag.String("dir", "data", "Directory of the store")
		configFile  = flag.String("config", "", "YAML config file, defaults are used if empty")
		engine      = flag.String("engine", db.EngineLSM, "Storage engine, lsm or log")
		kind        = flag.String("workload", workloadCorrect, "Workload to run: random, correct or inserts")
		numActions  = flag.Int("actions", 1000000, "Number of workload actions to run")
		perKey      = flag.Int("per-key", 20, "Average number of actions per key")
		seed        = flag.Int64("seed", time.Now().UnixNano(), "Workload seed")
		reset       = flag.Bool("reset", false, "Discard existing data before running")
		dump        = flag.Bool("dump", false, "Print the contents of every sstable instead of running a workload")
		metricsFile = flag.String("metrics-file", "", "Write the metrics in the Prometheus text format to this file")
		cpuProfile  = flag.String("cpuprofile", "", "Write a CPU profile to this file")
	)
	flag.Parse()

	if *perKey < 1 {
		log.Fatal().Int("perKey", *perKey).Msg("per-key must be at least 1")
	}

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", *configFile).Msg("Failed to load config")
		}
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create profile")
		}
		defer f.Close()
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	reg := metrics.NewRegistry()
	store, err := db.OpenStore(*engine, *dir, lsmtree.Options{Config: cfg, Reset: *reset, Metrics: reg})
	if err != nil {
		log.Fatal().Err(err).Str("dir", *dir).Str("engine", *engine).Msg("Failed to open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}()

	if *dump {
		tree, ok := store.(*lsmtree.LsmTree)
		if !ok {
			log.Error().Str("engine", *engine).Msg("Only the lsm engine has sstables to dump")
			return
		}
		if err := dumpTables(tree); err != nil {
			log.Error().Err(err).Msg("Dump failed")
		}
		return
	}

	gen := workload.NewGenerator(*seed, cfg.MaxKeySize)
	var actions []workload.Action
	switch *kind {
	case workloadRandom:
		actions = gen.RandomWorkload(*numActions, *perKey)
	case workloadCorrect:
		actions = gen.CorrectRandomWorkload(*numActions, *perKey)
	case workloadInserts:
		actions = gen.OnlyInsertsWorkload(*numActions)
	default:
		log.Error().Str("workload", *kind).Msg("Unknown workload")
		return
	}

	if err := run(store, actions); err != nil {
		log.Error().Err(err).Msg("Workload failed")
		return
	}
	if tree, ok := store.(*lsmtree.LsmTree); ok {
		stats := tree.Stats()
		log.Info().
			Int("sstables", stats.SSTables).
			Int64("diskBytes", stats.DiskBytes).
			Msg("LSM tree state")
	}

	printMetrics(reg)
	if *metricsFile != "" {
		if err := reg.WriteTextfile(*metricsFile); err != nil {
			log.Error().Err(err).Str("file", *metricsFile).Msg("Failed to write metrics")
		}
	}
}

func run(store db.Store, actions []workload.Action) error {
	start := time.Now()
	counts := make(map[workload.Operation]int)
	for _, a := range actions {
		var err error
		switch a.Op {
		case workload.Insert:
			err = store.Insert(a.Key, a.Value)
		case workload.Delete:
			err = store.Remove(a.Key)
		case workload.Get:
			_, _, err = store.Get(a.Key)
		}
		if err != nil {
			return fmt.Errorf("%s %q: %w", a.Op, a.Key, err)
		}
		counts[a.Op]++
	}
	elapsed := time.Since(start)

	log.Info().
		Int("actions", len(actions)).
		Int("gets", counts[workload.Get]).
		Int("inserts", counts[workload.Insert]).
		Int("deletes", counts[workload.Delete]).
		Dur("duration", elapsed).
		Dur("perAction", elapsed/time.Duration(max(len(actions), 1))).
		Msg("Workload complete")
	return nil
}

func dumpTables(tree *lsmtree.LsmTree) error {
	return tree.ForEachTable(func(tbl *sstable.SSTable) error {
		entries, err := tbl.NumEntries()
		if err != nil {
			return err
		}
		fmt.Printf("# %s index=%d entries=%d filter=%v filterBits=%d size=%d\n",
			tbl.Path(), tbl.Index(), entries, tbl.HasFilter(), tbl.FilterBits(), tbl.Size())
		return tbl.ForEach(func(key string, res sstable.ReadResult) error {
			if res.Status == sstable.Tombstone {
				fmt.Printf("%q\t<tombstone>\n", key)
				return nil
			}
			fmt.Printf("%q\t%s\t%s\n", key, res.Value.Type(), res.Value)
			return nil
		})
	})
}

func printMetrics(reg *metrics.Registry) {
	snapshot, err := reg.Snapshot()
	if err != nil {
		log.Error().Err(err).Msg("Failed to gather metrics")
		return
	}

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-50s %v\n", name, snapshot[name])
	}
}
