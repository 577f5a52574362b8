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

	"github.com/watchmesh/watchmesh/internal/app"
	"github.com/watchmesh/watchmesh/internal/config"
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
		fmt.Printf("watchmesh v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "host":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: host command requires a device directory")
			fmt.Fprintln(os.Stderr, "Usage: watchmesh host <device-directory>")
			os.Exit(1)
		}
		runDevice(args[1], "")

	case "join":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: join command requires a device directory and a room identifier")
			fmt.Fprintln(os.Stderr, "Usage: watchmesh join <device-directory> <room-id>")
			os.Exit(1)
		}
		runDevice(args[1], args[2])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runDevice(dirArg, joinRoomID string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid device directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Create device directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "watchmesh.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		DeviceDir:  absDir,
		CfgPath:    cfgPath,
		Cfg:        cfg,
		JoinRoomID: joinRoomID,
	}); err != nil {
		log.Fatalf("Device failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("watchmesh - security watch device mesh")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  watchmesh host <directory>            Host a room from the given device directory")
	fmt.Println("  watchmesh join <directory> <room-id>  Join an existing room")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  host <directory>")
	fmt.Println("        Run a device and host a room. The room identifier printed at")
	fmt.Println("        startup is what other devices pass to 'join'.")
	fmt.Println()
	fmt.Println("  join <directory> <room-id>")
	fmt.Println("        Run a device and connect to the host with the given identifier")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # First device hosts")
	fmt.Println("  watchmesh host ./devices/front-door")
	fmt.Println()
	fmt.Println("  # Second device joins using the printed room id")
	fmt.Println("  watchmesh join ./devices/garage 5f3e…")
}
