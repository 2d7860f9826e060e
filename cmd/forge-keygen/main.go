// Command forge-keygen generates the Ed25519 keypair a target host's agent
// uses to sign its heartbeat and state reports, grounded on
// packages/default/src/bin/cf-keygen.rs in the original implementation:
// a private key file plus a ".pub" sibling holding the base64 public key
// that gets registered on the host's system row.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ed25519"
)

func main() {
	if err := run(); err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	out := flag.String("f", "", "path to write the private key (default /var/lib/crystal-forge/<hostname>.key)")
	force := flag.Bool("y", false, "overwrite an existing key file without prompting")
	flag.Parse()

	path := *out
	if path == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "agent"
		}
		path = filepath.Join("/var/lib/crystal-forge", hostname+".key")
	}
	pubPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".pub"

	if !*force {
		if _, err := os.Stat(path); err == nil {
			if !confirm(fmt.Sprintf("%s already exists. Overwrite?", path)) {
				fmt.Println("aborted")
				return nil
			}
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	privB64 := base64.StdEncoding.EncodeToString(priv.Seed())
	if err := os.WriteFile(path, []byte(privB64), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	if err := os.WriteFile(pubPath, []byte(pubB64+"\n"), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	fmt.Printf("private key saved to: %s\n", path)
	fmt.Printf("public key saved to:  %s\n", pubPath)
	fmt.Printf("register this system with public key: %s\n", pubB64)
	return nil
}

func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	return strings.EqualFold(line, "y")
}
