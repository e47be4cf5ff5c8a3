// Package main is a terminal chat client for the secure relay. It generates a
// fresh RSA keypair on registration, encrypts every outgoing message with the
// recipient's published public key, and decrypts incoming envelopes locally.
//
// Usage:
//
//	chatclient -url ws://localhost:5000/ws -username alice
//
// Commands at the prompt:
//
//	/peers              list registered users
//	/msg <user> <text>  send an encrypted message
//	/typing <user>      send a typing indicator
//	/quit               disconnect and exit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/securechat/relay/internal/client"
)

func main() {
	url := flag.String("url", "ws://localhost:5000/ws", "relay WebSocket URL")
	username := flag.String("username", "", "display name to register under")
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "chatclient: -username is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, *url)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if err := c.WaitForSession(ctx); err != nil {
		log.Fatalf("handshake: %v", err)
	}
	if err := c.Register(*username); err != nil {
		log.Fatalf("register: %v", err)
	}

	fmt.Printf("connected as %s (session %s)\n", *username, c.SessionID())

	// Print server events as they arrive.
	go func() {
		for {
			select {
			case msg, ok := <-c.Messages:
				if !ok {
					return
				}
				if msg.DecryptFailed {
					fmt.Printf("\n[%s] <message could not be decrypted>\n> ", senderName(c, msg.From))
					continue
				}
				fmt.Printf("\n[%s %s] %s\n> ", msg.Timestamp, senderName(c, msg.From), msg.Text)
			case ev := <-c.Typing:
				fmt.Printf("\n%s is typing...\n> ", senderName(c, ev.From))
			case peers := <-c.PeerUpdates:
				names := make([]string, 0, len(peers))
				for _, p := range peers {
					names = append(names, p.Username)
				}
				fmt.Printf("\nonline: %s\n> ", strings.Join(names, ", "))
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":

		case line == "/quit":
			return

		case line == "/peers":
			if err := c.RequestPeers(); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case strings.HasPrefix(line, "/msg "):
			rest := strings.TrimPrefix(line, "/msg ")
			name, text, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Println("usage: /msg <user> <text>")
				break
			}
			peer, found := c.PeerByUsername(name)
			if !found {
				fmt.Printf("unknown user %q (try /peers)\n", name)
				break
			}
			if err := c.SendText(peer.SessionID, text); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case strings.HasPrefix(line, "/typing "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/typing "))
			peer, found := c.PeerByUsername(name)
			if !found {
				fmt.Printf("unknown user %q (try /peers)\n", name)
				break
			}
			if err := c.SendTyping(peer.SessionID); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		default:
			fmt.Println("commands: /peers, /msg <user> <text>, /typing <user>, /quit")
		}
		fmt.Print("> ")
	}
}

// senderName resolves a session ID to a username where possible; sessions that
// have since disconnected fall back to the raw ID.
func senderName(c *client.Client, sessionID string) string {
	for _, p := range c.Peers() {
		if p.SessionID == sessionID {
			return p.Username
		}
	}
	return sessionID
}
