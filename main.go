// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mbroersen/parley/internal/app"
	"github.com/mbroersen/parley/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("parley v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		return
	}

	switch command := args[0]; command {
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: parley run <profile-directory>")
			os.Exit(1)
		}
		runClient(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: parley init <profile-directory>")
			os.Exit(1)
		}
		initProfile(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runClient(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid profile directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Profile directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "parley.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func initProfile(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid profile directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Failed to create profile directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "parley.json")
	_, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	if !created {
		fmt.Printf("Config already exists: %s\n", cfgPath)
		return
	}
	fmt.Printf("Created %s\n", cfgPath)
	fmt.Println("Fill in identity.user_id and identity.token (or token_file) before running.")
}

func showUsage() {
	fmt.Println("parley - one-to-one chat and calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parley run <directory>   Run the client from a profile directory")
	fmt.Println("  parley init <directory>  Write a default parley.json to the directory")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <directory>")
	fmt.Println("        Run the headless client")
	fmt.Println("        The directory must contain a parley.json configuration file")
	fmt.Println()
	fmt.Println("  init <directory>")
	fmt.Println("        Create the directory if needed and write a default config")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  parley init ./profiles/alice")
	fmt.Println("  parley run ./profiles/alice")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     Parley Client                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Profile Directory: %s\n", dir)
	fmt.Printf("Config File:       %s\n", cfgPath)
	if cfg.Identity.UserID != "" {
		fmt.Printf("User:              %s\n", cfg.Identity.UserID)
	}
	fmt.Printf("Realtime:          %s\n", cfg.Server.RealtimeURL)
	fmt.Printf("API:               %s\n", cfg.Server.APIURL)
	fmt.Println()
}
