// Command mountctl is an interactive console for mountd.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
)

var addr = flag.String("addr", "ws://localhost:8080/api/ws", "mountd websocket URL")

func main() {
	flag.Parse()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *addr, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mountctl: dialing %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	c, err := NewConsole(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mountctl: %v\n", err)
		os.Exit(1)
	}
	c.Run(ctx, cancel)
}
