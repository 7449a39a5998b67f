// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	tbtree "github.com/tidwall/btree"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/rowstore/pkg/row_storage/btree"
	"github.com/daviszhen/rowstore/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initRunCmd()
}

var stressCfg = &util.Config{}

///root cmd

var info = "stress"
var RootCmd = &cobra.Command{
	Use:          "stress",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use stress --help or -h")
	},
}

//run cmd

var runInfo = "run concurrent page lock workload"
var runCmd = &cobra.Command{
	Use:   "run",
	Short: runInfo,
	Long:  runInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initRunCfg()
		return runStress(stressCfg)
	},
}

func initRunCfg() {
	stressCfg.Stress.Pages = viper.GetInt("stress.pages")
	stressCfg.Stress.Workers = viper.GetInt("stress.workers")
	stressCfg.Stress.Ops = viper.GetInt("stress.ops")
	stressCfg.Stress.Fillfactor = viper.GetInt("stress.fillfactor")
	stressCfg.Stress.Seed = viper.GetInt64("stress.seed")
	stressCfg.Stress.WriteRatio = viper.GetFloat64("stress.writeRatio")
}

func initRunCmd() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&stressCfg.Stress.Pages, "pages", 64, "number of shared pages")
	runCmd.Flags().IntVar(&stressCfg.Stress.Workers, "workers", 8, "number of worker goroutines")
	runCmd.Flags().IntVar(&stressCfg.Stress.Ops, "ops", 100000, "lock operations per worker")
	runCmd.Flags().IntVar(&stressCfg.Stress.Fillfactor, "fillfactor", 90, "page fillfactor percent")
	runCmd.Flags().Int64Var(&stressCfg.Stress.Seed, "seed", 0, "random seed, 0 means time-based")
	runCmd.Flags().Float64Var(&stressCfg.Stress.WriteRatio, "write_ratio", 0.5, "fraction of locks that block reads")

	viper.BindPFlag("stress.pages", runCmd.Flags().Lookup("pages"))
	viper.BindPFlag("stress.workers", runCmd.Flags().Lookup("workers"))
	viper.BindPFlag("stress.ops", runCmd.Flags().Lookup("ops"))
	viper.BindPFlag("stress.fillfactor", runCmd.Flags().Lookup("fillfactor"))
	viper.BindPFlag("stress.seed", runCmd.Flags().Lookup("seed"))
	viper.BindPFlag("stress.writeRatio", runCmd.Flags().Lookup("write_ratio"))
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "stress.toml"

func loadConfig() {
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if util.FileIsValid(fpath) {
			viper.SetConfigFile(fpath)
			err := viper.ReadInConfig()
			if err != nil {
				util.Error("viper load config file failed",
					zap.String("fpath", fpath),
					zap.Error(err))
				continue
			}
			return
		}
	}
	// flags and defaults are enough, the config file is optional
}

type pageStat struct {
	locks      uint64
	writeLocks uint64
	relocks    uint64
}

func runStress(cfg *util.Config) error {
	pages := cfg.Stress.Pages
	workers := cfg.Stress.Workers
	seed := cfg.Stress.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	btree.InitSharedPages(pages, workers)
	stats := make([]pageStat, pages)

	util.Info("stress started",
		zap.Int("pages", pages),
		zap.Int("workers", workers),
		zap.Int("ops", cfg.Stress.Ops),
		zap.Int64("seed", seed))

	start := time.Now()
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		eg.Go(func() error {
			defer btree.ReleaseWorkerSlot()
			rnd := rand.New(rand.NewSource(seed + int64(w)))
			for op := 0; op < cfg.Stress.Ops; op++ {
				blkno := btree.Blkno(rnd.Intn(pages))
				write := rnd.Float64() < cfg.Stress.WriteRatio

				btree.LockPage(blkno)
				if write {
					btree.PageBlockReads(blkno)
					atomic.AddUint64(&stats[blkno].writeLocks, 1)
					// relock only after a write: the wait inside needs a
					// change-count bump to come
					if rnd.Intn(64) == 0 {
						btree.RelockPage(blkno)
						atomic.AddUint64(&stats[blkno].relocks, 1)
					}
				}
				atomic.AddUint64(&stats[blkno].locks, 1)
				btree.UnlockPage(blkno)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	report(stats)

	total := uint64(0)
	for i := range stats {
		total += stats[i].locks
	}
	util.Info("stress finished",
		zap.Uint64("totalLocks", total),
		zap.Duration("elapsed", elapsed),
		zap.Float64("locksPerSec", float64(total)/elapsed.Seconds()))
	return nil
}

func report(stats []pageStat) {
	var m tbtree.Map[uint32, *pageStat]
	for i := range stats {
		if stats[i].locks > 0 {
			m.Set(uint32(i), &stats[i])
		}
	}
	m.Scan(func(blkno uint32, st *pageStat) bool {
		fmt.Printf("page %6d  locks %10d  writeLocks %10d  relocks %8d\n",
			blkno, st.locks, st.writeLocks, st.relocks)
		return true
	})
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
