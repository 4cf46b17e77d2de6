// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Chat Example - group chat over a meshbus Channel
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/destiny/meshbus"
	"github.com/destiny/meshbus/bridge"
	"github.com/destiny/meshbus/reactor"
	"github.com/destiny/meshbus/wire"
)

var (
	group     = flag.String("group", "chat", "Chat group to join")
	port      = flag.Int("port", meshbus.DefaultPort, "UDP port of the bus")
	broadcast = flag.String("broadcast", "", "Broadcast host:port (default: limited broadcast)")
	bridgeTo  = flag.String("bridge", "", "Bridge peer host:port to link segments")
	heartbeat = flag.Duration("heartbeat", 5*time.Second, "Heartbeat interval")
	verbose   = flag.Bool("verbose", false, "Verbose output")
)

func main() {
	flag.Parse()

	level := meshbus.LogLevelWarn
	if *verbose {
		level = meshbus.LogLevelDebug
	}
	logger := meshbus.NewLogger(level)

	opts := []meshbus.Option{
		meshbus.WithLogger(logger.Named("bus")),
		meshbus.WithHeartbeatInterval(*heartbeat),
		meshbus.WithExpiration(4 * *heartbeat),
	}
	if *broadcast != "" {
		addr, err := net.ResolveUDPAddr("udp4", *broadcast)
		if err != nil {
			log.Fatalf("Invalid broadcast address: %v", err)
		}
		opts = append(opts, meshbus.WithBroadcastAddress(addr))
	}

	bus, err := meshbus.NewBus(opts...)
	if err != nil {
		log.Fatalf("Failed to create bus: %v", err)
	}

	r := reactor.New(reactor.WithLogger(logger.Named("reactor")))
	if _, err := bus.Register(r, fmt.Sprintf("udp://0.0.0.0:%d", *port)); err != nil {
		log.Fatalf("Failed to bind: %v", err)
	}
	if *bridgeTo != "" {
		relay := bridge.NewRelay(r, bus, bridge.WithLogger(logger.Named("bridge")))
		bus.SetTap(relay)
		if err := relay.Keep(*bridgeTo); err != nil {
			log.Fatalf("Failed to bridge: %v", err)
		}
		r.Schedule("bridge-redial", 5*time.Second, relay.Redial)
		defer relay.Close()
	}

	ch := bus.OpenChannel()
	if err := ch.Join(*group); err != nil {
		log.Fatalf("Failed to join group %s: %v", *group, err)
	}
	inbox := ch.CreatePrivateGroup()
	if err := ch.Join(inbox); err != nil {
		log.Fatalf("Failed to create inbox: %v", err)
	}

	fmt.Println("=== meshbus chat ===")
	fmt.Printf("Endpoint: %d\n", bus.LocalEndpoint())
	fmt.Printf("Group: %s\n", *group)
	fmt.Printf("Inbox: %s\n", inbox)
	fmt.Println("Type messages to send, /help for commands, /quit to exit")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	bus.Start()
	g.Go(func() error {
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		handleEvents(bus.Events(32), *verbose)
		return nil
	})
	g.Go(func() error {
		handleMessages(ch, bus.LocalEndpoint())
		return nil
	})
	g.Go(func() error {
		defer cancel()
		handleUserInput(ctx, bus, ch, *group)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		fmt.Println("\nShutting down...")
		return bus.Close()
	})

	if err := g.Wait(); err != nil {
		log.Printf("Shutdown: %v", err)
	}
	if err := r.Close(); err != nil {
		log.Printf("Reactor close: %v", err)
	}
}

func handleEvents(events <-chan *meshbus.Event, verbose bool) {
	for event := range events {
		ts := event.Timestamp.Format("15:04:05")
		switch event.Type {
		case meshbus.EventPeerInsert:
			fmt.Printf("\n[%s] node %d joined the network\n", ts, event.Endpoint)
		case meshbus.EventPeerWithdraw, meshbus.EventPeerExpired:
			fmt.Printf("\n[%s] node %d left the network\n", ts, event.Endpoint)
		case meshbus.EventJoin:
			fmt.Printf("\n[%s] node %d joined group '%s'\n", ts, event.Endpoint, event.Group)
		case meshbus.EventLeave:
			fmt.Printf("\n[%s] node %d left group '%s'\n", ts, event.Endpoint, event.Group)
		case meshbus.EventDataLoss:
			fmt.Printf("\n[%s] %v\n", ts, event.Loss)
		default:
			if !verbose {
				continue
			}
			fmt.Printf("\n[%s] %s\n", ts, event)
		}
		fmt.Print("> ")
	}
}

func handleMessages(ch *meshbus.Channel, self uint32) {
	for {
		msg := ch.Get()
		if meshbus.IsEndOfStream(msg) {
			return
		}
		from := uint32(0)
		if msg.Source != nil {
			from = msg.Source.Endpoint
		}
		ts := time.Now().Format("15:04:05")
		if meshbus.IsPrivateGroup(msg.Group) || msg.Target != nil {
			fmt.Printf("\n[%s] <%d> (whisper) %s\n", ts, from, msg.Body)
		} else {
			fmt.Printf("\n[%s] <%d@%s> %s\n", ts, from, msg.Group, msg.Body)
		}
		fmt.Print("> ")
	}
}

func handleUserInput(ctx context.Context, bus *meshbus.Bus, ch *meshbus.Channel, group string) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	fmt.Print("> ")
	for {
		var input string
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			input = line
		}

		switch {
		case input == "":
		case strings.HasPrefix(input, "/"):
			if !handleCommand(bus, ch, group, input) {
				return
			}
		default:
			if err := ch.SendTo(group, []byte(input)); err != nil {
				fmt.Printf("Failed to send message: %v\n", err)
			}
		}
		fmt.Print("> ")
	}
}

// handleCommand runs one slash command, returning false on /quit
func handleCommand(bus *meshbus.Bus, ch *meshbus.Channel, group, input string) bool {
	parts := strings.Fields(input)
	switch parts[0] {
	case "/help":
		printHelp()

	case "/quit", "/exit":
		fmt.Println("Goodbye!")
		return false

	case "/peers":
		peers := bus.Peers()
		fmt.Printf("Known peers (%d):\n", len(peers))
		for _, p := range peers {
			fmt.Printf("  %d: %s groups=%v last seen %s\n",
				p.Endpoint, p.Addr, p.Groups, p.LastSeen.Format("15:04:05"))
		}

	case "/groups":
		fmt.Printf("Joined: %v\n", ch.Groups())

	case "/join", "/leave":
		if len(parts) < 2 {
			fmt.Printf("Usage: %s <group_name>\n", parts[0])
			return true
		}
		var err error
		if parts[0] == "/join" {
			err = ch.Join(parts[1])
		} else {
			err = ch.Leave(parts[1])
		}
		if err != nil {
			fmt.Printf("Failed: %v\n", err)
		}

	case "/whisper":
		if len(parts) < 3 {
			fmt.Println("Usage: /whisper <endpoint> <message>")
			return true
		}
		ep, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			fmt.Printf("Invalid endpoint %q\n", parts[1])
			return true
		}
		msg := wire.NewMessage(group, []byte(strings.Join(parts[2:], " ")))
		msg.Target = &wire.Address{Endpoint: uint32(ep)}
		if err := ch.Send(msg); err != nil {
			fmt.Printf("Failed to whisper to %d: %v\n", ep, err)
		}

	case "/msg":
		if len(parts) < 3 {
			fmt.Println("Usage: /msg <inbox> <message>")
			return true
		}
		if err := ch.SendTo(parts[1], []byte(strings.Join(parts[2:], " "))); err != nil {
			fmt.Printf("Failed to send to %s: %v\n", parts[1], err)
		}

	case "/endpoint":
		fmt.Printf("Our endpoint: %d\n", bus.LocalEndpoint())

	default:
		fmt.Printf("Unknown command: %s (type /help for help)\n", parts[0])
	}
	return true
}

func printHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  /help                    - Show this help")
	fmt.Println("  /quit                    - Exit the chat")
	fmt.Println("  /peers                   - List known peers")
	fmt.Println("  /groups                  - List joined groups")
	fmt.Println("  /join <group>            - Join a group")
	fmt.Println("  /leave <group>           - Leave a group")
	fmt.Println("  /whisper <endpoint> <msg> - Send to one node")
	fmt.Println("  /msg <inbox> <msg>       - Send to a private inbox")
	fmt.Println("  /endpoint                - Show our endpoint id")
	fmt.Println()
	fmt.Println("To send a message to the current group, just type it and press Enter.")
}
