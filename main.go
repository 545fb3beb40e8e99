package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"

	"github.com/wxl482/local-sent/config"
	"github.com/wxl482/local-sent/discovery"
	"github.com/wxl482/local-sent/network"
	"github.com/wxl482/local-sent/pairing"
	"github.com/wxl482/local-sent/storage"
)

type discoverCmd struct {
	Timeout int  `arg:"-t,--timeout" default:"3000" help:"discovery timeout in milliseconds"`
	JSON    bool `arg:"--json" help:"print devices as a JSON array"`
}

type sendCmd struct {
	Path          string `arg:"positional,required" help:"file or directory to send"`
	Host          string `arg:"--host" help:"receiver host; resolved via --device when empty"`
	Device        string `arg:"--device" help:"discovered receiver name to send to"`
	Port          int    `arg:"-p,--port" default:"37373" help:"receiver port"`
	Timeout       int    `arg:"-t,--timeout" default:"3000" help:"device discovery timeout in milliseconds"`
	PairCode      string `arg:"--pair-code" help:"pair code expected by the receiver"`
	TLS           bool   `arg:"--tls" help:"connect over TLS"`
	TLSInsecure   bool   `arg:"--tls-insecure" help:"skip TLS chain validation (self-signed testing)"`
	TLSCA         string `arg:"--tls-ca" help:"PEM bundle to verify the receiver certificate against"`
	TLSPin        string `arg:"--tls-fingerprint" help:"expected server certificate SHA-256 (64 hex)"`
	TLSTofu       bool   `arg:"--tls-tofu" help:"trust the server certificate on first use"`
	TLSKnownHosts string `arg:"--tls-known-hosts" help:"known hosts file for --tls-tofu"`
}

type listenCmd struct {
	Port       int    `arg:"-p,--port" default:"37373" help:"transfer port to listen on"`
	OutputDir  string `arg:"-o,--output" help:"directory received files are saved under"`
	Name       string `arg:"-n,--name" help:"advertised service name"`
	PairCode   string `arg:"--pair-code" help:"pair code required from senders"`
	PairRotate bool   `arg:"--pair-rotate" help:"rotate the pair code after every transfer"`
	PairTTL    int    `arg:"--pair-ttl" help:"rotate the pair code every N seconds"`
	TLSCert    string `arg:"--tls-cert" help:"TLS certificate path"`
	TLSKey     string `arg:"--tls-key" help:"TLS key path"`
	NoHistory  bool   `arg:"--no-history" help:"skip recording transfers in the history database"`
}

type cliArgs struct {
	Discover *discoverCmd `arg:"subcommand:discover" help:"find receivers on the local network"`
	Send     *sendCmd     `arg:"subcommand:send" help:"send a file or directory to a receiver"`
	Listen   *listenCmd   `arg:"subcommand:listen" help:"receive files on this machine"`
}

func (cliArgs) Description() string {
	return "local-sent transfers files between hosts on the same network.\n"
}

func main() {
	var args cliArgs
	parser := arg.MustParse(&args)

	var err error
	switch {
	case args.Discover != nil:
		err = runDiscover(args.Discover)
	case args.Send != nil:
		err = runSend(args.Send)
	case args.Listen != nil:
		err = runListen(args.Listen)
	default:
		parser.WriteHelp(os.Stdout)
		return
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		os.Exit(1)
	}
}

func runDiscover(cmd *discoverCmd) error {
	timeout := time.Duration(cmd.Timeout) * time.Millisecond
	devices, err := discovery.Discover(context.Background(), timeout, discovery.Options{})
	if err != nil {
		return err
	}

	if cmd.JSON {
		raw, err := json.Marshal(devices)
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}

	if len(devices) == 0 {
		fmt.Println("no receivers found")
		return nil
	}
	for _, device := range devices {
		fmt.Printf("%-24s %s:%d (%s)\n", device.Name, device.Host, device.Port,
			strings.Join(device.Addresses, ", "))
	}
	return nil
}

func runSend(cmd *sendCmd) error {
	entries, err := network.BuildTransferEntries(cmd.Path)
	if err != nil {
		return err
	}

	host := cmd.Host
	port := cmd.Port
	if host == "" {
		if cmd.Device == "" {
			return fmt.Errorf("either --host or --device is required")
		}
		host, port, err = resolveDevice(cmd.Device, cmd.Timeout)
		if err != nil {
			return err
		}
	}

	_, err = network.SendEntries(context.Background(), network.SendRequest{
		Entries:  entries,
		Host:     host,
		Port:     port,
		PairCode: cmd.PairCode,
		TLS: network.TLSClientConfig{
			Enabled:         cmd.TLS || cmd.TLSInsecure || cmd.TLSPin != "" || cmd.TLSTofu,
			CAPath:          cmd.TLSCA,
			Insecure:        cmd.TLSInsecure,
			Fingerprint:     cmd.TLSPin,
			TrustOnFirstUse: cmd.TLSTofu,
			KnownHostsPath:  cmd.TLSKnownHosts,
		},
		Progress: func(line string) { fmt.Println(line) },
		Logf:     func(format string, args ...any) { fmt.Printf(format+"\n", args...) },
	})
	return err
}

func resolveDevice(name string, timeoutMs int) (string, int, error) {
	timeout := time.Duration(timeoutMs) * time.Millisecond
	devices, err := discovery.Discover(context.Background(), timeout, discovery.Options{})
	if err != nil {
		return "", 0, err
	}

	for _, device := range devices {
		if strings.EqualFold(device.Name, name) {
			return device.Host, device.Port, nil
		}
	}
	return "", 0, fmt.Errorf("no receiver named %q found", name)
}

func runListen(cmd *listenCmd) error {
	if (cmd.TLSCert == "") != (cmd.TLSKey == "") {
		return fmt.Errorf("--tls-cert and --tls-key must be provided together")
	}

	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return err
	}

	outputDir := cmd.OutputDir
	if outputDir == "" {
		outputDir = cfg.OutputDir
	}
	name := cmd.Name
	if name == "" {
		name = cfg.DeviceName
	}

	var store *storage.Store
	if !cmd.NoHistory {
		dataDir, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		store, _, err = storage.Open(dataDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("history close error: %v", err)
			}
		}()
	}

	receiverConfig := network.ReceiverConfig{
		Port:              cmd.Port,
		OutputDir:         outputDir,
		ServiceName:       name,
		PairCode:          cmd.PairCode,
		RotatePerTransfer: cmd.PairRotate,
		PairTTL:           time.Duration(cmd.PairTTL) * time.Second,
		OnPairCodeChange: func(code string) {
			fmt.Printf("[pair] code is now %s\n", code)
		},
		Progress: func(line string) { fmt.Println(line) },
		Logf:     func(format string, args ...any) { fmt.Printf(format+"\n", args...) },
		Store:    store,
	}
	if cmd.PairRotate || cmd.PairTTL > 0 {
		receiverConfig.GeneratePairCode = pairing.DefaultGenerator
	}
	if cmd.TLSCert != "" {
		receiverConfig.TLS = &network.ReceiverTLSConfig{CertPath: cmd.TLSCert, KeyPath: cmd.TLSKey}
	}

	receiver, err := network.StartReceiver(receiverConfig)
	if err != nil {
		return err
	}

	fmt.Printf("[listen] receiving into %s on %s\n", outputDir, receiver.Addr())
	if cmd.PairCode != "" {
		fmt.Printf("[pair] code is %s\n", cmd.PairCode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Println("[listen] shutting down")
	return receiver.Stop()
}
