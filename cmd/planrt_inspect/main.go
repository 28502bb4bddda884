// planrt_inspect prints what is inside a serialized execution plan: a
// summary, the bindings the plan declares with their dimensions and sizes,
// and optionally the timing and output statistics of one forward pass with
// an all-zeros input.
//
// Usage:
//
//	planrt_inspect [flags] <plan-file>
//
// With no section flags it prints the summary and the bindings.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/planrt"
	"github.com/gomlx/planrt/devices"
	"github.com/gomlx/planrt/devices/hostgo"
	"github.com/gomlx/planrt/plan"
	"github.com/gomlx/planrt/types/nchw"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/planrt/devices/ortrt"
)

var (
	flagDevice = flag.String("device", hostgo.RuntimeName,
		"Device runtime to decode (and optionally execute) the plan with, as a devices registry "+
			"configuration string, e.g. \"go\" or \"ort:cuda\".")
	flagInput  = flag.String("input", "input", "Name of the input binding, used by -forward.")
	flagOutput = flag.String("output", "output", "Name of the output binding, used by -forward.")

	flagSummary  = flag.Bool("summary", false, "Print the plan summary table.")
	flagBindings = flag.Bool("bindings", false, "List the plan bindings with their dimensions and sizes.")
	flagForward  = flag.Bool("forward", false,
		"Run one forward pass with an all-zeros input and print timing and output statistics.")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("planrt_inspect takes exactly one plan file. See 'planrt_inspect -help'.")
		os.Exit(1)
	}
	if !*flagSummary && !*flagBindings && !*flagForward {
		*flagSummary, *flagBindings = true, true
	}
	inspect(args[0])
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 2, 0, 2)

	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 1).Align(lipgloss.Center)
	rowStyle       = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	dimRowStyle    = rowStyle.Foreground(lipgloss.Color("245"))
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				return dimRowStyle
			}
			return rowStyle
		})
}

func inspect(planPath string) {
	planBytes := must.M1(plan.Load(planPath))
	rt := must.M1(devices.NewWithConfig(*flagDevice))
	defer rt.Finalize()
	engine := must.M1(rt.Deserialize(planBytes))
	defer engine.Finalize()

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		table := newPlainTable(false)
		table.Row("plan", planPath)
		table.Row("size", humanize.Bytes(uint64(len(planBytes))))
		table.Row("runtime", fmt.Sprintf("%s, %s", rt.Name(), rt.Description()))
		table.Row("# bindings", humanize.Comma(int64(engine.NumBindings())))
		fmt.Println(table.Render())
	}

	if *flagBindings {
		fmt.Println(titleStyle.Render("Bindings"))
		table := newPlainTable(true)
		table.Row("Index", "Name", "Dimensions", "Values", "Bytes")
		for i := range engine.NumBindings() {
			dims := engine.BindingDims(i)
			table.Row(
				fmt.Sprintf("%d", i),
				engine.BindingName(i),
				dims.String(),
				humanize.Comma(int64(dims.Size())),
				humanize.Bytes(uint64(dims.Memory())),
			)
		}
		fmt.Println(table.Render())
	}

	if *flagForward {
		forward(planPath, rt, engine)
	}
}

// forward drives one all-zeros pass through a session on the given runtime
// and prints timing plus output statistics.
func forward(planPath string, rt planrt.Runtime, engine devices.Engine) {
	inputIdx, found := engine.BindingIndex(*flagInput)
	if !found {
		klog.Errorf("Plan has no binding named %q, pick the input binding with -input.", *flagInput)
		os.Exit(1)
	}
	outputIdx, found := engine.BindingIndex(*flagOutput)
	if !found {
		klog.Errorf("Plan has no binding named %q, pick the output binding with -output.", *flagOutput)
		os.Exit(1)
	}
	network := planrt.Network{
		InputBinding:  *flagInput,
		OutputBinding: *flagOutput,
		Input:         engine.BindingDims(inputIdx),
		Output:        engine.BindingDims(outputIdx),
	}

	session := must.M1(planrt.NewWithRuntime(planrt.Config{PlanPath: planPath, Network: network}, rt))
	defer func() { must.M(session.Close()) }()
	must.M(session.Init())

	input := nchw.Zeros(network.Input.Dimensions()...)
	start := time.Now()
	must.M(session.Forward(input))
	elapsed := time.Since(start)

	var minV, maxV, mean float64
	must.M(session.Output().ConstFlatData(func(flat []float32) {
		minV, maxV = float64(flat[0]), float64(flat[0])
		var sum float64
		for _, v := range flat {
			f := float64(v)
			minV = math.Min(minV, f)
			maxV = math.Max(maxV, f)
			sum += f
		}
		mean = sum / float64(len(flat))
	}))

	fmt.Println(titleStyle.Render("Forward pass (all-zeros input)"))
	table := newPlainTable(false)
	table.Row("input", network.Input.String())
	table.Row("output", network.Output.String())
	table.Row("latency", elapsed.Round(time.Microsecond).String())
	table.Row("output min", fmt.Sprintf("%g", minV))
	table.Row("output max", fmt.Sprintf("%g", maxV))
	table.Row("output mean", fmt.Sprintf("%g", mean))
	fmt.Println(table.Render())
}
