// sharddp_bench runs the sharded gradient reducer over the in-process loopback
// transport: every rank is a goroutine, so the bucket packing, the collective
// matching and the unpack paths are all exercised end-to-end without any real
// network. It reports dispatch throughput.
//
// Example:
//
//	go run ./cmd/sharddp_bench -world_size=8 -num_params=500 -steps=50
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharddp/pkg/core/buffers"
	"github.com/gomlx/sharddp/pkg/core/params"
	"github.com/gomlx/sharddp/pkg/distributed/loopback"
	"github.com/gomlx/sharddp/pkg/sharddp"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagWorldSize = flag.Int("world_size", 4, "Number of ranks, each run as one goroutine.")
	flagNumParams = flag.Int("num_params", 200, "Number of model parameters to partition across the ranks.")
	flagMaxSize   = flag.Int("max_param_size", 100_000, "Maximum element count of one parameter. "+
		"Sizes are drawn uniformly from [1, max_param_size], so with the default buffer size most "+
		"parameters pack into buckets and a few are reduced individually.")
	flagBufferSize = flag.Int("buffer_size", sharddp.DefaultBufferSize,
		"Reduce-buffer ceiling in elements, one buffer per (device, rank) pair.")
	flagSteps = flag.Int("steps", 20, "Number of dispatch steps to run.")
	flagSeed  = flag.Int64("seed", 42, "Seed for the parameter size distribution.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	worldSize := *flagWorldSize
	rng := rand.New(rand.NewSource(*flagSeed))
	sizes := make([]int, *flagNumParams)
	totalElements := 0
	for i := range sizes {
		sizes[i] = 1 + rng.Intn(*flagMaxSize)
		totalElements += sizes[i]
	}

	fabric := must.M1(loopback.NewFabric(worldSize))
	reducers := make([]*sharddp.Reducer, worldSize)
	grads := make([][]*params.Parameter, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		// Each rank builds its own structurally identical replica, the way each
		// process of a real job materializes the same model.
		ps := make([]*params.Parameter, len(sizes))
		for i, size := range sizes {
			ps[i] = params.New(fmt.Sprintf("param_%04d", i), dtypes.Float32, 0, size)
		}
		assignment := must.M1(params.Partition(worldSize, ps))
		reducers[rank] = must.M1(sharddp.New(sharddp.Config{
			Transport:  fabric.Peers()[rank],
			Assignment: assignment,
			BufferSize: *flagBufferSize,
		}))
		grads[rank] = ps
	}

	bar := progressbar.Default(int64(*flagSteps), "dispatch")
	start := time.Now()
	for step := 0; step < *flagSteps; step++ {
		var wg sync.WaitGroup
		for rank := 0; rank < worldSize; rank++ {
			wg.Add(1)
			go func(rank int) {
				defer wg.Done()
				for _, p := range grads[rank] {
					fillGrad(p, float32(rank+1))
				}
				must.M(reducers[rank].Dispatch())
			}(rank)
		}
		wg.Wait()
		_ = bar.Add(1)
	}
	elapsed := time.Since(start)
	_ = bar.Finish()

	report(worldSize, totalElements, elapsed)
}

func fillGrad(p *params.Parameter, v float32) {
	flat := buffers.MutableFlat[float32](p.EnsureGrad())
	for i := range flat {
		flat[i] = v
	}
}

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)

func report(worldSize, totalElements int, elapsed time.Duration) {
	steps := *flagSteps
	bytesPerStep := uint64(totalElements) * uint64(dtypes.Float32.Memory())
	stepsPerSec := float64(steps) / elapsed.Seconds()

	fmt.Println(titleStyle.Render("sharddp_bench"))
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
	table.Row("world size", humanize.Comma(int64(worldSize)))
	table.Row("parameters", humanize.Comma(int64(*flagNumParams)))
	table.Row("model elements", humanize.Comma(int64(totalElements)))
	table.Row("model bytes", humanize.Bytes(bytesPerStep))
	table.Row("buffer ceiling", humanize.Comma(int64(*flagBufferSize))+" elements")
	table.Row("steps", humanize.Comma(int64(steps)))
	table.Row("wall time", elapsed.Round(time.Millisecond).String())
	table.Row("steps/s", fmt.Sprintf("%.1f", stepsPerSec))
	table.Row("reduced/s", humanize.Bytes(uint64(float64(bytesPerStep)*stepsPerSec))+"/s per rank")
	fmt.Println(table.Render())
}
