package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zentalk/cans-relay/internal/client"
	"github.com/zentalk/cans-relay/internal/identity"
	"github.com/zentalk/cans-relay/internal/ratchet"
	"github.com/zentalk/cans-relay/internal/transport"
)

var (
	relayURL       string
	identityPath   string
	pinnedCertPath string
)

// initialOneTimeKeyCount is how many prekeys a peer publishes on
// first connect.
const initialOneTimeKeyCount = 10

func main() {
	root := &cobra.Command{
		Use:   "cans-peer",
		Short: "Secure session fabric peer client",
		Run:   run,
	}

	root.Flags().StringVar(&relayURL, "relay", "", "relay WebSocket URL, e.g. wss://host:port/cans (required, env CANS_PEER_RELAY_URL)")
	root.Flags().StringVar(&identityPath, "identity", "", "path to PEM-encoded EC private key (required, env CANS_PEER_IDENTITY)")
	root.Flags().StringVar(&pinnedCertPath, "pinned-cert", "", "development-only pinned relay certificate (env CANS_PEER_PINNED_CERT)")

	if err := root.Execute(); err != nil {
		log.Fatalf("cans-peer: %v", err)
	}
}

func run(cmd *cobra.Command, args []string) {
	printBanner()

	applyEnvDefault(&relayURL, "CANS_PEER_RELAY_URL")
	applyEnvDefault(&identityPath, "CANS_PEER_IDENTITY")
	applyEnvDefault(&pinnedCertPath, "CANS_PEER_PINNED_CERT")

	if relayURL == "" {
		log.Fatal("Error: -relay flag (or CANS_PEER_RELAY_URL) is required")
	}
	if identityPath == "" {
		log.Fatal("Error: -identity flag (or CANS_PEER_IDENTITY) is required")
	}

	id, err := loadOrGenerateIdentity(identityPath)
	if err != nil {
		log.Fatalf("Failed to load/generate identity: %v", err)
	}
	userID, err := id.UserID()
	if err != nil {
		log.Fatalf("Failed to derive user id: %v", err)
	}
	log.Printf("✓ identity loaded, user id %s", userID)

	account, err := ratchet.NewAccount()
	if err != nil {
		log.Fatalf("Failed to create ratchet account: %v", err)
	}

	conn, err := transport.Dial(transport.DialOptions{
		URL:             relayURL,
		PinnedCertFile:  pinnedCertPath,
		Identity:        id,
		Account:         account,
		Subscriptions:   nil,
		OneTimeKeyCount: initialOneTimeKeyCount,
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	log.Printf("✓ connected to %s", relayURL)

	manager := client.NewManager(userID, conn, account)

	go printDownstream(manager)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println()
		log.Println("Shutting down gracefully...")
		_ = conn.Close()
	}()

	go readStdinCommands(manager)

	if err := manager.Run(); err != nil {
		log.Printf("session ended: %v", err)
	}
	log.Println("Goodbye! 👋")
}

func printDownstream(m *client.Manager) {
	for {
		select {
		case msg, ok := <-m.DownstreamUser():
			if !ok {
				return
			}
			fmt.Printf("[%s] %s\n", msg.Sender, msg.Text)
		case evt, ok := <-m.DownstreamSystem():
			if !ok {
				return
			}
			fmt.Printf("(system) %s %v\n", evt.MsgID, evt.Payload)
		}
	}
}

// readStdinCommands is a minimal line-oriented driver standing in for
// a real UI: "to:text" sends a user message.
func readStdinCommands(m *client.Manager) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		peerID, text, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if _, err := m.SendUserMessage(peerID, text); err != nil {
			log.Printf("send failed: %v", err)
		}
	}
}

func loadOrGenerateIdentity(path string) (*identity.KeyPair, error) {
	if data, err := os.ReadFile(path); err == nil {
		priv, err := identity.PrivateKeyFromPEM(data)
		if err != nil {
			return nil, err
		}
		return &identity.KeyPair{Private: priv}, nil
	}

	log.Println("Generating new identity key pair...")
	kp, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	pem, err := identity.PrivateKeyToPEM(kp.Private)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem, 0600); err != nil {
		return nil, err
	}
	log.Printf("✓ new identity saved to %s", path)
	return kp, nil
}

func applyEnvDefault(dst *string, envVar string) {
	if *dst != "" {
		return
	}
	*dst = os.Getenv(envVar)
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            CANS Secure Session Fabric            ║")
	fmt.Println("║                  Peer Client                     ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}
