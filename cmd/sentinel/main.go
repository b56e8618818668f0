// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/sentineld/sentinel/discovery"
	"github.com/sentineld/sentinel/engine"
	"github.com/sentineld/sentinel/events"
	"github.com/sentineld/sentinel/extaddr"
	"github.com/sentineld/sentinel/identity"
	"github.com/sentineld/sentinel/protocol"
)

func main() {
	app := &cli.App{
		Name:                 "sentinel",
		Usage:                "a self-hosted, NAT-traversing P2P overlay node",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "generate (or print) this node's identity under --data-dir",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "data-dir",
						Value: "./.sentinel",
						Usage: "directory holding the identity key and local store",
					},
				},
				Action: func(c *cli.Context) error {
					dataDir := c.String("data-dir")
					if err := os.MkdirAll(dataDir, 0o755); err != nil {
						return err
					}
					id, err := identity.LoadOrGenerate(filepath.Join(dataDir, "identity.key"))
					if err != nil {
						return err
					}
					fmt.Println("NODE ID:", id.NodeID())
					return nil
				},
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Value:   "./.sentinel",
				Usage:   "directory holding the identity key, TLS cert, and local store",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   8443,
				Usage:   "the node's listening port",
			},
			&cli.StringFlag{
				Name:    "signaler",
				Aliases: []string{"s"},
				Value:   "127.0.0.1:8888",
				Usage:   "rendezvous directory address",
			},
			&cli.StringFlag{
				Name:  "stun",
				Value: extaddr.DefaultServer,
				Usage: "STUN server used for public address discovery",
			},
			&cli.BoolFlag{
				Name:  "mdns",
				Value: true,
				Usage: "advertise and browse for peers on the local network",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "zerolog level: debug, info, warn, error",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("sentinel exited")
	}
}

func run(c *cli.Context) error {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	dataDir := c.String("data-dir")
	port := c.Int("port")

	e, err := engine.New(dataDir, port)
	if err != nil {
		return fmt.Errorf("sentinel: init engine: %w", err)
	}

	fmt.Println("SENTINEL ACTIVE. ID:", e.Identity.NodeID())

	if c.Bool("mdns") {
		if reg, err := discovery.Register(e.Identity.NodeID(), port); err != nil {
			log.Warn().Err(err).Msg("mdns registration failed")
		} else {
			defer reg.Shutdown()
		}
		go browseLAN(e)
	}

	go e.DiscoverPublicAddr(c.String("stun"))
	go e.StartHeartbeatService()
	go e.StartGossipService()
	go e.StartSignalerClient(c.String("signaler"))

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run() }()

	go printEvents(e)

	fmt.Println("SYSTEM READY. Input commands below.")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	stdinDone := make(chan struct{})
	go func() {
		handleStdin(e)
		close(stdinDone)
	}()

	select {
	case <-stdinDone:
	case <-sigc:
		fmt.Println("\n[!] shutdown signal received")
	case err := <-runErr:
		if err != nil {
			log.Error().Err(err).Msg("engine listener stopped")
		}
	}

	e.Shutdown()
	return nil
}

// browseLAN browses mDNS for the engine's entire lifetime, dialing every
// peer it finds as it finds it, rather than taking one snapshot at
// startup.
func browseLAN(e *engine.Engine) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-e.Done()
		cancel()
	}()

	err := discovery.Browse(ctx, e.Identity.NodeID(), func(peer discovery.Found) {
		if err := e.DialPeer(peer.Address); err != nil {
			log.Debug().Err(err).Str("addr", peer.Address).Msg("mdns dial failed")
		}
	})
	if err != nil {
		log.Debug().Err(err).Msg("mdns browse failed")
	}
}

func printEvents(e *engine.Engine) {
	for ev := range e.Events {
		switch ev.Kind {
		case events.ChatMessage:
			fmt.Printf("\n[%s] %s\n", ev.Sender, ev.Text)
		case events.SystemLog:
			fmt.Println("[SYSTEM]", ev.Message)
		case events.PeerConnected:
			fmt.Println("[+] connected to:", ev.NodeID)
		case events.PeerDisconnected:
			fmt.Println("[-] disconnected:", ev.NodeID)
		}
	}
}

func handleStdin(e *engine.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			handleCommand(e, line)
			continue
		}

		msg := protocol.NewEnvelope(e.Identity.NodeID(), protocol.ChatContent{Text: line})
		e.Broadcast(msg)
		fmt.Println("[YOU]:", line)
	}
}

func handleCommand(e *engine.Engine, line string) {
	parts := strings.Fields(line)
	switch parts[0] {
	case "/dial":
		if len(parts) < 2 {
			fmt.Println("usage: /dial <address:port> or /dial <node_id>")
			return
		}
		target := parts[1]
		if strings.ContainsAny(target, ".:") {
			fmt.Println("dialing", target, "...")
			go func() {
				if err := e.DialPeer(target); err != nil {
					fmt.Println("dial error:", err)
				}
			}()
		} else {
			fmt.Println("requesting lookup for node id", target, "...")
			e.RequestLookup(target)
		}
	case "/peers":
		fmt.Println("--- connected peers ---")
		peers := e.Peers()
		if len(peers) == 0 {
			fmt.Println("no active peer connections")
			return
		}
		for addr, info := range peers {
			fmt.Printf("addr: %s | id: %s | name: %s\n", addr, info.NodeID, info.NodeName)
		}
	case "/history":
		fmt.Println("--- local message history (last 10) ---")
		history, err := e.History(10)
		if err != nil {
			fmt.Println("error reading history:", err)
			return
		}
		for _, env := range history {
			if chat, ok := env.Content.(protocol.ChatContent); ok {
				fmt.Printf("[%s] %s\n", env.Sender, chat.Text)
			}
		}
	case "/id":
		fmt.Println("your node id:", e.Identity.NodeID())
		if addr := e.PublicAddr(); addr != "" {
			fmt.Println("public address:", addr)
		} else {
			fmt.Println("public address: unknown (STUN pending or failed)")
		}
	default:
		fmt.Println("unknown command. available: /dial, /peers, /history, /id")
	}
}
