package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zentalk/cans-relay/internal/relay"
	"github.com/zentalk/cans-relay/internal/relay/substore"
	"github.com/zentalk/cans-relay/internal/transport"
)

var (
	host     string
	port     string
	certPath string
	keyPath  string
	dbPath   string
)

func main() {
	root := &cobra.Command{
		Use:   "cans-relay",
		Short: "Secure session fabric relay server",
		Run:   run,
	}

	root.Flags().StringVar(&host, "host", "", "relay listen host (required, env CANS_RELAY_HOST)")
	root.Flags().StringVar(&port, "port", "", "relay listen port (required, env CANS_RELAY_PORT)")
	root.Flags().StringVar(&certPath, "cert", "", "TLS certificate path (required, env CANS_RELAY_CERT)")
	root.Flags().StringVar(&keyPath, "key", "", "TLS private key path (required, env CANS_RELAY_KEY)")
	root.Flags().StringVar(&dbPath, "db", "", "subscription database path (required, env CANS_RELAY_DB)")

	if err := root.Execute(); err != nil {
		log.Fatalf("cans-relay: %v", err)
	}
}

func run(cmd *cobra.Command, args []string) {
	printBanner()

	applyEnvDefault(&host, "CANS_RELAY_HOST")
	applyEnvDefault(&port, "CANS_RELAY_PORT")
	applyEnvDefault(&certPath, "CANS_RELAY_CERT")
	applyEnvDefault(&keyPath, "CANS_RELAY_KEY")
	applyEnvDefault(&dbPath, "CANS_RELAY_DB")

	requireNonEmpty("host", host)
	requireNonEmpty("port", port)
	requireNonEmpty("cert", certPath)
	requireNonEmpty("key", keyPath)
	requireNonEmpty("db", dbPath)

	store, err := substore.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open subscription store: %v", err)
	}
	defer store.Close()
	log.Printf("✓ subscription store opened at %s", dbPath)

	router := relay.NewRouter(store)
	addr := fmt.Sprintf("%s:%s", host, port)
	listener := transport.NewListener(addr, certPath, keyPath, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go waitForShutdown(cancel)

	if err := listener.ListenAndServe(ctx); err != nil {
		log.Fatalf("Failed to serve: %v", err)
	}

	log.Println("✓ relay stopped")
	log.Println("Goodbye! 👋")
}

func applyEnvDefault(dst *string, envVar string) {
	if *dst != "" {
		return
	}
	*dst = os.Getenv(envVar)
}

func requireNonEmpty(name, value string) {
	if value == "" {
		log.Fatalf("Error: -%s flag (or its env var) is required", name)
	}
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            CANS Secure Session Fabric            ║")
	fmt.Println("║                  Relay Server                    ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func waitForShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println()
	log.Println("Shutting down gracefully...")
	cancel()
}
