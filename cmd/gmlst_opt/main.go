// gmlst_opt reads a module in MLIR generic form, runs a pass pipeline over it and writes the result.
//
// By default it runs the gml_st pipeline with the tile sizes given by -tile-sizes:
//
//	gmlst_opt -tile-sizes=4,4 -o tiled.mlir input.mlir
//
// Any other pipeline made of the registered passes can be given with -pass-pipeline:
//
//	gmlst_opt -pass-pipeline='func.func(legalize-mhlo-to-gml,hlo-legalize-to-linalg)' input.mlir
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/passes"
	"github.com/gomlx/gmlst/pkg/pipeline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagOutput    = flag.String("o", "-", "Output file, or \"-\" for the standard output.")
	flagTileSizes = flag.String("tile-sizes", "",
		"Comma separated tile sizes of the gml_st pipeline, one per loop (e.g.: 4,4). "+
			"A size of 0 leaves the loop untiled. Ignored if -pass-pipeline is given.")
	flagPipeline = flag.String("pass-pipeline", "",
		"Textual pass pipeline to run, e.g. \"gml-st-pipeline{tile-sizes=4,4}\" or "+
			"\"func.func(legalize-mhlo-to-gml,hlo-legalize-to-linalg)\". See -list-passes.")
	flagListPasses  = flag.Bool("list-passes", false, "List the registered passes and pipelines, and exit.")
	flagPrintIR     = flag.Bool("print-ir-after-all", false, "Print the module to the standard error after each pass.")
	flagVerify      = flag.Bool("verify-each", true, "Verify the module after each pass.")
	flagParallelism = flag.Int("j", 0, "Maximum number of functions transformed concurrently, 0 for the number of CPUs.")
	flagDOT         = flag.String("dot", "", "If set, write the pipeline as a Graphviz DOT graph to this file.")
	flagInteractive = flag.Bool("interactive", false,
		"Ask for the tile sizes and output file, if the standard input is a terminal.")
)

var errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [input.mlir]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx)
	cancel()
	if err != nil {
		if errors.Is(err, ErrUserAborted) {
			fmt.Println("Aborted.")
			return
		}
		klog.V(1).Infof("%+v", err)
		_, _ = fmt.Fprintln(os.Stderr, errorStyle.Render("error:")+" "+err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	reg := passes.NewRegistry()
	if err := pipeline.Register(reg); err != nil {
		return err
	}
	if *flagListPasses {
		fmt.Println(strings.Join(reg.Names(), "\n"))
		return nil
	}

	if *flagInteractive && term.IsTerminal(os.Stdin.Fd()) && *flagPipeline == "" {
		questions := []Question{
			{Title: "Tile sizes", Flag: flag.CommandLine.Lookup("tile-sizes"), Values: []string{"4,4", "8,8", "4"},
				CustomValues: true, ValidateFn: ValidateTileSizes},
			{Title: "Output file", Flag: flag.CommandLine.Lookup("o"), Values: []string{"-"}, CustomValues: true},
		}
		if err := Interact(filepath.Base(os.Args[0]), questions); err != nil {
			return err
		}
	}

	inputPath := "-"
	switch flag.NArg() {
	case 0:
	case 1:
		inputPath = flag.Arg(0)
	default:
		return errors.Errorf("expected at most one input file, got %d", flag.NArg())
	}
	m, err := readModule(inputPath)
	if err != nil {
		return err
	}

	pm := passes.New().
		EnableVerifier(*flagVerify).
		EnableTiming(klog.V(1).Enabled()).
		SetParallelism(*flagParallelism)
	if *flagPrintIR {
		pm.EnableIRPrinting(os.Stderr)
	}
	pipelineText := *flagPipeline
	if pipelineText == "" {
		pipelineText = fmt.Sprintf("%s{%s=%s}", pipeline.GmlStPipelineName, pipeline.TileSizesOption, *flagTileSizes)
	}
	if err := reg.Parse(pm, pipelineText); err != nil {
		return errors.WithMessagef(err, "invalid -pass-pipeline %q", pipelineText)
	}
	klog.V(1).Infof("running %s", pm)

	runErr := runWithSpinner(ctx, pm, m)
	if *flagDOT != "" {
		reportError(writeDOT(pm, *flagDOT))
	}
	if runErr != nil {
		return runErr
	}
	return writeModule(m, *flagOutput)
}

// runWithSpinner runs pm, displaying a spinner if the output goes to a file and the standard output is a terminal.
func runWithSpinner(ctx context.Context, pm *passes.PassManager, m *ir.Module) error {
	if *flagOutput == "-" || *flagPrintIR || !term.IsTerminal(os.Stdout.Fd()) {
		return pm.Run(ctx, m)
	}
	var runErr error
	err := spinner.New().
		Title(fmt.Sprintf("Lowering @%s ...", m.Name)).
		Action(func() { runErr = pm.Run(ctx, m) }).
		Run()
	if err != nil {
		return errors.Wrap(err, "failed to display spinner")
	}
	return runErr
}

func readModule(path string) (*ir.Module, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	m, err := ir.Parse(string(data))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse %q", path)
	}
	return m, nil
}

func writeModule(m *ir.Module, path string) error {
	if path == "-" {
		return m.Write(os.Stdout)
	}
	path, err := replaceTildeInDir(path)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create output file %q", path)
	}
	if err := m.Write(f); err != nil {
		reportError(f.Close())
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close output file %q", path)
}

func writeDOT(pm *passes.PassManager, path string) error {
	path, err := replaceTildeInDir(path)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create DOT file %q", path)
	}
	if err := pm.WriteDOT(f); err != nil {
		reportError(f.Close())
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close DOT file %q", path)
}

// replaceTildeInDir replaces a leading "~" in path by the user home directory.
func replaceTildeInDir(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "failed to find home directory to expand %q", path)
	}
	return filepath.Join(home, path[1:]), nil
}

// reportError logs err, if not nil, as a warning.
func reportError(err error) {
	if err != nil {
		klog.Warningf("Error: %v", err)
	}
}
