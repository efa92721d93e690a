// Command chatnode is the CLI entry point: it parses flags into a
// config.Config, wires up the log sink, the chain, and the node, then
// dispatches to the interactive REPL or runs headless in server mode
// until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"chatchain/internal/blockchain"
	"chatchain/internal/config"
	"chatchain/internal/logging"
	"chatchain/internal/p2p"
	"chatchain/internal/repl"
)

func main() {
	hostIP := flag.String("host-ip", "0.0.0.0", "IP to bind the P2P listener to")
	port := flag.Uint("port", uint(config.DefaultPort), "P2P listen port")
	id := flag.String("id", "", "group/session identifier (required unless --server)")
	peer := flag.String("peer", "", "optional seed peer IPv4 address")
	advertisedIP := flag.String("advertised-ip", "", "optional externally reachable self-IP")
	server := flag.Bool("server", false, "run headless: no REPL, logs to stdout")

	flag.Parse()

	if *id == "" && !*server {
		fmt.Fprintln(os.Stderr, "chatnode: --id is required unless --server is given")
		os.Exit(1)
	}
	if *port > 65535 {
		fmt.Fprintf(os.Stderr, "chatnode: --port %d out of range\n", *port)
		os.Exit(1)
	}

	cfg := config.Config{
		HostIP:          *hostIP,
		Port:            uint16(*port),
		GroupIdentifier: *id,
		IsServerMode:    *server,
	}
	if *peer != "" {
		cfg.InitialPeerIP = peer
	}
	if *advertisedIP != "" {
		cfg.AdvertisedIP = advertisedIP
	}

	sink, closer, err := buildSink(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatnode: %v\n", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}

	chain := blockchain.NewChain()
	node := p2p.New(cfg, chain, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		sink.Write(logging.LevelError, "chatnode", fmt.Sprintf("starting node: %v", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if cfg.IsServerMode {
		<-sigCh
		cancel()
		node.Stop()
		return
	}

	runInteractive(ctx, node, chain, sink, sigCh)
	cancel()
	node.Stop()
}

func buildSink(cfg config.Config) (logging.Sink, io.Closer, error) {
	if cfg.IsServerMode {
		return logging.NewStdoutSink(), nil, nil
	}
	sink, closer, err := logging.NewFileSink("log/blockchain.log")
	if err != nil {
		return nil, nil, fmt.Errorf("building log sink: %w", err)
	}
	return sink, closer, nil
}

func runInteractive(ctx context.Context, node *p2p.Node, chain *blockchain.Chain, sink logging.Sink, sigCh <-chan os.Signal) {
	lines := make(chan string)
	done := make(chan struct{})

	go repl.Run(os.Stdin, os.Stdout, chain, lines, done)

	for {
		select {
		case <-sigCh:
			close(done)
			return
		case text := <-lines:
			go func(text string) {
				if err := node.CreateAndBroadcastChat(ctx, text); err != nil {
					sink.Write(logging.LevelError, "chatnode", fmt.Sprintf("broadcasting chat: %v", err))
				}
			}(text)
		}
	}
}
