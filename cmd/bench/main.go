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
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	treemap "github.com/liyue201/gostl/ds/map"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	pqLocal "github.com/xitongsys/parquet-go-source/local"
	pqReader "github.com/xitongsys/parquet-go/reader"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/vecagg/pkg/batch"
	"github.com/daviszhen/vecagg/pkg/util"
	"github.com/daviszhen/vecagg/pkg/vecagg"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initSyntheticCmd()
	initParquetCmd()
}

var benchCfg = &util.Config{}

var info = "grouped aggregation benchmark"
var RootCmd = &cobra.Command{
	Use:          "bench",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use bench --help or -h")
	},
}

func initPolicyCfg() {
	benchCfg.Policy.EmitMemoryLimit = viper.GetInt64("policy.emitMemoryLimit")
	benchCfg.Policy.InitialHashCapacity = viper.GetInt("policy.initialHashCapacity")
	benchCfg.Policy.ArenaBlockSize = viper.GetInt("policy.arenaBlockSize")
}

var syntheticInfo = "aggregate generated batches"
var syntheticCmd = &cobra.Command{
	Use:   "synthetic",
	Short: syntheticInfo,
	Long:  syntheticInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initPolicyCfg()
		return runSynthetic(benchCfg)
	},
}

func initSyntheticCmd() {
	RootCmd.AddCommand(syntheticCmd)
	syntheticCmd.Flags().IntVar(&benchCfg.Bench.Rows, "rows", 1_000_000, "total rows")
	syntheticCmd.Flags().IntVar(&benchCfg.Bench.BatchRows, "batch_rows", util.DefaultVectorSize, "rows per batch")
	syntheticCmd.Flags().IntVar(&benchCfg.Bench.Groups, "groups", 1000, "distinct keys")
	syntheticCmd.Flags().IntVar(&benchCfg.Bench.Workers, "workers", 4, "parallel workers")
	syntheticCmd.Flags().BoolVar(&benchCfg.Bench.PrintResult, "print_result", false, "print per group results")
	syntheticCmd.Flags().BoolVar(&benchCfg.Bench.PrintPlan, "print_plan", false, "print the policy layout")

	viper.BindPFlag("bench.rows", syntheticCmd.Flags().Lookup("rows"))
	viper.BindPFlag("bench.batchRows", syntheticCmd.Flags().Lookup("batch_rows"))
	viper.BindPFlag("bench.groups", syntheticCmd.Flags().Lookup("groups"))
	viper.BindPFlag("bench.workers", syntheticCmd.Flags().Lookup("workers"))
	viper.BindPFlag("bench.printResult", syntheticCmd.Flags().Lookup("print_result"))
	viper.BindPFlag("bench.printPlan", syntheticCmd.Flags().Lookup("print_plan"))
}

var parquetInfo = "aggregate one int64 column of a parquet file"
var parquetCmd = &cobra.Command{
	Use:   "parquet",
	Short: parquetInfo,
	Long:  parquetInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initPolicyCfg()
		benchCfg.Bench.Data.Path = viper.GetString("bench.data.path")
		benchCfg.Bench.Data.Column = viper.GetInt("bench.data.column")
		return runParquet(benchCfg)
	},
}

func initParquetCmd() {
	RootCmd.AddCommand(parquetCmd)
	parquetCmd.Flags().StringVar(&benchCfg.Bench.Data.Path, "data_path", "", "parquet file path")
	parquetCmd.Flags().IntVar(&benchCfg.Bench.Data.Column, "column", 0, "column index to group by")
	parquetCmd.Flags().IntVar(&benchCfg.Bench.BatchRows, "batch_rows", util.DefaultVectorSize, "rows per batch")
	parquetCmd.Flags().BoolVar(&benchCfg.Bench.PrintResult, "print_result", false, "print per group results")

	viper.BindPFlag("bench.data.path", parquetCmd.Flags().Lookup("data_path"))
	viper.BindPFlag("bench.data.column", parquetCmd.Flags().Lookup("column"))
	viper.BindPFlag("bench.batchRows", parquetCmd.Flags().Lookup("batch_rows"))
	viper.BindPFlag("bench.printResult", parquetCmd.Flags().Lookup("print_result"))
}

func newCountSumPolicy(cfg *util.Config) (*vecagg.GroupingPolicyHash, error) {
	defs := []*vecagg.AggrDef{
		{Func: vecagg.CountStarAggr(), InputOffset: -1, OutputOffset: 1},
		{Func: vecagg.SumAggr[int64, int64](), InputOffset: 1, OutputOffset: 2},
	}
	cols := []vecagg.GroupingColumn{
		{InputOffset: 0, OutputOffset: 0, ValueBytes: 8, ByValue: true},
	}
	var opts []vecagg.PolicyOption
	if cfg.Policy.EmitMemoryLimit > 0 {
		opts = append(opts, vecagg.WithEmitMemoryLimit(cfg.Policy.EmitMemoryLimit))
	}
	if cfg.Policy.InitialHashCapacity > 0 {
		opts = append(opts, vecagg.WithInitialCapacity(cfg.Policy.InitialHashCapacity))
	}
	if cfg.Policy.ArenaBlockSize > 0 {
		opts = append(opts, vecagg.WithArenaBlockSize(cfg.Policy.ArenaBlockSize))
	}
	return vecagg.NewGroupingPolicyHash(defs, cols, opts...)
}

type groupResult struct {
	count int64
	sum   int64
}

// drainInto merges every emitted group into the ordered result map. Null
// keys land on hasNull/nullRes.
func newResultMap() *treemap.Map[int64, groupResult] {
	return treemap.New[int64, groupResult](func(a, b int64) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	})
}

func drainInto(p *vecagg.GroupingPolicyHash, res *treemap.Map[int64, groupResult],
	nullRes *groupResult, hasNull *bool) {
	out := batch.NewRowBuffer(3)
	for p.DoEmit(out) {
		gr := groupResult{
			count: int64(out.Values[1].U64),
			sum:   int64(out.Values[2].U64),
		}
		if out.IsNull[0] {
			nullRes.count += gr.count
			nullRes.sum += gr.sum
			*hasNull = true
			continue
		}
		key := int64(out.Values[0].U64)
		if old, err := res.Get(key); err == nil {
			gr.count += old.count
			gr.sum += old.sum
		}
		res.Insert(key, gr)
	}
}

func runSynthetic(cfg *util.Config) error {
	rows := cfg.Bench.Rows
	batchRows := cfg.Bench.BatchRows
	if batchRows <= 0 || batchRows > vecagg.MaxRowsPerBatch {
		batchRows = util.DefaultVectorSize
	}
	workers := cfg.Bench.Workers
	if workers <= 0 {
		workers = 1
	}

	if cfg.Bench.PrintPlan {
		p, err := newCountSumPolicy(cfg)
		if err != nil {
			return err
		}
		fmt.Print(p.Explain())
	}

	results := make([]*treemap.Map[int64, groupResult], workers)
	nullResults := make([]groupResult, workers)
	hasNulls := make([]bool, workers)
	var stats []vecagg.PolicyStats
	statsCh := make(chan vecagg.PolicyStats, workers)

	start := time.Now()
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		eg.Go(func() (err error) {
			defer func() {
				if rErr := recover(); rErr != nil {
					err = errors.Join(err, util.ConvertPanicError(rErr))
				}
			}()
			p, err := newCountSumPolicy(cfg)
			if err != nil {
				return err
			}
			res := newResultMap()
			rng := rand.New(rand.NewSource(int64(w) + 1))
			remaining := rows / workers
			keys := make([]int64, batchRows)
			vals := make([]int64, batchRows)
			for remaining > 0 {
				n := batchRows
				if n > remaining {
					n = remaining
				}
				remaining -= n
				for i := 0; i < n; i++ {
					keys[i] = int64(rng.Intn(cfg.Bench.Groups))
					vals[i] = int64(rng.Intn(100))
				}
				var nulls []int
				for i := 0; i < n; i += 97 {
					nulls = append(nulls, i)
				}
				bs := &batch.BatchState{
					RowCount: n,
					Columns: []batch.ColumnValues{
						*batch.NewFixedColumn(keys[:n], nulls),
						*batch.NewFixedColumn(vals[:n], nil),
					},
				}
				p.AddBatch(bs)
				if p.ShouldEmit() {
					drainInto(p, res, &nullResults[w], &hasNulls[w])
					p.Reset()
				}
			}
			drainInto(p, res, &nullResults[w], &hasNulls[w])
			results[w] = res
			statsCh <- p.Stats()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	close(statsCh)
	for st := range statsCh {
		stats = append(stats, st)
	}

	merged := newResultMap()
	mergedGroups := 0
	var nullTotal groupResult
	hasNull := false
	for w := 0; w < workers; w++ {
		for it := results[w].Begin(); it.IsValid(); it.Next() {
			gr := it.Value()
			if old, err := merged.Get(it.Key()); err == nil {
				gr.count += old.count
				gr.sum += old.sum
			} else {
				mergedGroups++
			}
			merged.Insert(it.Key(), gr)
		}
		nullTotal.count += nullResults[w].count
		nullTotal.sum += nullResults[w].sum
		hasNull = hasNull || hasNulls[w]
	}

	var totalRows int64
	for _, st := range stats {
		totalRows += st.Rows
	}
	util.Info("synthetic bench done",
		zap.Int64("rows", totalRows),
		zap.Int("groups", mergedGroups),
		zap.Duration("elapsed", time.Since(start)))

	if cfg.Bench.PrintResult {
		if hasNull {
			fmt.Printf("<null>\t%d\t%d\n", nullTotal.count, nullTotal.sum)
		}
		for it := merged.Begin(); it.IsValid(); it.Next() {
			gr := it.Value()
			fmt.Printf("%d\t%d\t%d\n", it.Key(), gr.count, gr.sum)
		}
	}
	return nil
}

func runParquet(cfg *util.Config) error {
	if !util.FileIsValid(cfg.Bench.Data.Path) {
		return fmt.Errorf("no parquet file at %q", cfg.Bench.Data.Path)
	}
	pqFile, err := pqLocal.NewLocalFileReader(cfg.Bench.Data.Path)
	if err != nil {
		return err
	}
	defer pqFile.Close()
	rd, err := pqReader.NewParquetColumnReader(pqFile, 1)
	if err != nil {
		return err
	}
	defer rd.ReadStop()

	p, err := newCountSumPolicy(cfg)
	if err != nil {
		return err
	}
	batchRows := cfg.Bench.BatchRows
	if batchRows <= 0 || batchRows > vecagg.MaxRowsPerBatch {
		batchRows = util.DefaultVectorSize
	}

	res := newResultMap()
	var nullRes groupResult
	hasNull := false
	start := time.Now()
	for {
		values, _, _, err := rd.ReadColumnByIndex(int64(cfg.Bench.Data.Column), int64(batchRows))
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if len(values) == 0 {
			break
		}
		keys := make([]int64, len(values))
		var nulls []int
		for i, v := range values {
			switch vv := v.(type) {
			case int64:
				keys[i] = vv
			case int32:
				keys[i] = int64(vv)
			case nil:
				nulls = append(nulls, i)
			default:
				return fmt.Errorf("unsupported parquet value type %T", v)
			}
		}
		bs := &batch.BatchState{
			RowCount: len(values),
			Columns: []batch.ColumnValues{
				*batch.NewFixedColumn(keys, nulls),
				*batch.NewFixedColumn(keys, nulls),
			},
		}
		p.AddBatch(bs)
		if p.ShouldEmit() {
			drainInto(p, res, &nullRes, &hasNull)
			p.Reset()
		}
	}
	drainInto(p, res, &nullRes, &hasNull)

	groups := 0
	for it := res.Begin(); it.IsValid(); it.Next() {
		groups++
	}
	util.Info("parquet bench done",
		zap.String("path", cfg.Bench.Data.Path),
		zap.Int("groups", groups),
		zap.Duration("elapsed", time.Since(start)))
	if cfg.Bench.PrintResult {
		if hasNull {
			fmt.Printf("<null>\t%d\t%d\n", nullRes.count, nullRes.sum)
		}
		for it := res.Begin(); it.IsValid(); it.Next() {
			gr := it.Value()
			fmt.Printf("%d\t%d\t%d\n", it.Key(), gr.count, gr.sum)
		}
	}
	return nil
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "bench.toml"

func loadConfig() {
	util.EnableDefaultLogger()
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if !util.FileIsValid(fpath) {
			continue
		}
		cfg, err := util.LoadConfig(fpath)
		if err != nil {
			util.Error("load config file failed",
				zap.String("fpath", fpath),
				zap.Error(err))
			continue
		}
		// file values act as defaults, explicit flags still win
		viper.SetDefault("policy.emitMemoryLimit", cfg.Policy.EmitMemoryLimit)
		viper.SetDefault("policy.initialHashCapacity", cfg.Policy.InitialHashCapacity)
		viper.SetDefault("policy.arenaBlockSize", cfg.Policy.ArenaBlockSize)
		viper.SetDefault("bench.data.path", cfg.Bench.Data.Path)
		viper.SetDefault("bench.data.column", cfg.Bench.Data.Column)
		break
	}
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
