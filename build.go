//go:build ignore

// build.go - fleetcore build system
// Usage: go run build.go [-target=TARGET]
// Targets: all, fleet-server, licensectl, clean, test, release

package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"fleetcore/pkg/contracts"
)

const module = "fleetcore"

// BuildContext holds configuration for the build process
type BuildContext struct {
	Verbose bool
	Race    bool
	OutDir  string
}

var (
	// Executable names (key = source dir name, value = output name)
	executables = map[string]string{
		"fleet-server": "fleet-server",
		"licensectl":   "licensectl",
	}

	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
)

func main() {
	target := flag.String("target", "all", "Build target")
	verbose := flag.Bool("v", false, "Verbose output")
	race := flag.Bool("race", true, "Run tests with the race detector")
	outDir := flag.String("out", "dist", "Output directory")
	flag.Parse()

	printHeader()

	startTime := time.Now()
	ctx := &BuildContext{
		Verbose: *verbose,
		Race:    *race,
		OutDir:  *outDir,
	}

	var err error
	switch *target {
	case "all":
		err = buildAll(ctx)
	case "fleet-server", "licensectl":
		err = buildExecutable(*target, ctx)
	case "clean":
		err = clean(ctx)
	case "test":
		err = runTests(ctx)
	case "release":
		err = buildRelease(ctx)
	default:
		showHelp()
		os.Exit(1)
	}
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	printSuccess(fmt.Sprintf("Build completed in %s", time.Since(startTime).Round(time.Millisecond)))
}

func printHeader() {
	fmt.Println(colorCyan + "===========================================" + colorReset)
	fmt.Println(colorCyan + "     " + contracts.GetVersionString("build") + colorReset)
	fmt.Println(colorCyan + "===========================================" + colorReset)
	fmt.Println()
}

func printInfo(msg string) {
	fmt.Printf("%s[INFO]%s %s\n", colorBlue, colorReset, msg)
}

func printSuccess(msg string) {
	fmt.Printf("%s[SUCCESS]%s %s\n", colorGreen, colorReset, msg)
}

func printError(msg string) {
	fmt.Printf("%s[ERROR]%s %s\n", colorRed, colorReset, msg)
}

func printWarning(msg string) {
	fmt.Printf("%s[WARNING]%s %s\n", colorYellow, colorReset, msg)
}

// Build all executables
func buildAll(ctx *BuildContext) error {
	printInfo("Building all components...")

	if err := os.MkdirAll(ctx.OutDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", ctx.OutDir, err)
	}
	for name := range executables {
		if err := buildExecutable(name, ctx); err != nil {
			return err
		}
	}

	printSuccess("All components built successfully!")
	return nil
}

// Build a single executable under ./cmd
func buildExecutable(name string, ctx *BuildContext) error {
	exeName := executables[name]
	if runtime.GOOS == "windows" || os.Getenv("GOOS") == "windows" {
		exeName += ".exe"
	}
	printInfo(fmt.Sprintf("Building %s...", name))

	outputPath := filepath.Join(ctx.OutDir, exeName)
	ldflags := fmt.Sprintf("-s -w -X %[1]s/pkg/contracts.BuildTime=%[2]s -X %[1]s/pkg/contracts.GitCommit=%[3]s",
		module, time.Now().UTC().Format(time.RFC3339), gitCommit())

	args := []string{"build", "-ldflags", ldflags, "-o", outputPath, "./cmd/" + name}
	if ctx.Verbose {
		args = append([]string{"build", "-v"}, args[1:]...)
		fmt.Printf("Running: go %s\n", strings.Join(args, " "))
	}

	if err := run(ctx, "go", args...); err != nil {
		return fmt.Errorf("failed to build %s: %w", name, err)
	}

	if info, err := os.Stat(outputPath); err == nil {
		printSuccess(fmt.Sprintf("Built %s (%.1f MB)", exeName, float64(info.Size())/1024/1024))
	}
	return nil
}

// Remove build artifacts and local runtime state
func clean(ctx *BuildContext) error {
	printInfo("Cleaning build artifacts and logs...")

	for _, dir := range []string{ctx.OutDir, "logs"} {
		if err := os.RemoveAll(dir); err != nil {
			printWarning(fmt.Sprintf("Failed to clean %s: %v", dir, err))
		}
	}

	printSuccess("Build artifacts cleaned")
	return nil
}

// Run tests
func runTests(ctx *BuildContext) error {
	printInfo("Running Go tests...")

	args := []string{"test"}
	if ctx.Race {
		args = append(args, "-race")
	}
	if ctx.Verbose {
		args = append(args, "-v")
	}
	args = append(args, "./...")

	if err := run(ctx, "go", args...); err != nil {
		return fmt.Errorf("go tests failed: %w", err)
	}

	printSuccess("All tests passed")
	return nil
}

// Build release version with a VERSION file. The sqlite driver needs cgo.
func buildRelease(ctx *BuildContext) error {
	printInfo("Building release version...")

	if err := clean(ctx); err != nil {
		return err
	}
	if err := runTests(ctx); err != nil {
		return err
	}
	if err := buildAll(ctx); err != nil {
		return err
	}

	content := fmt.Sprintf("%s\nProtocol: %s\nBuilt: %s\nCommit: %s\n",
		contracts.GetVersionString("release"),
		contracts.ProtocolVersion,
		time.Now().Format("2006-01-02 15:04:05"),
		gitCommit())
	if err := os.WriteFile(filepath.Join(ctx.OutDir, "VERSION.txt"), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write VERSION.txt: %w", err)
	}

	printSuccess("Release build completed")
	return nil
}

func run(ctx *BuildContext, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stderr = os.Stderr
	if ctx.Verbose {
		cmd.Stdout = os.Stdout
	}
	return cmd.Run()
}

func gitCommit() string {
	out, err := exec.Command("git", "rev-parse", "--short", "HEAD").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

func showHelp() {
	fmt.Println("Usage: go run build.go -target=TARGET [-v] [-race=false] [-out=dist]")
	fmt.Println()
	fmt.Println("Targets:")
	fmt.Println("  all           Build fleet-server and licensectl")
	fmt.Println("  fleet-server  Build the fleet server")
	fmt.Println("  licensectl    Build the license tool")
	fmt.Println("  clean         Remove build artifacts and logs")
	fmt.Println("  test          Run Go tests")
	fmt.Println("  release       Clean, test and build with a VERSION file")
}
