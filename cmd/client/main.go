package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/Tyrowin/authchat/internal/chatclient"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "Chat relay WebSocket URL")
	origin := flag.String("origin", "", "Origin header to send (needed only for origin-restricted servers)")
	flag.Parse()

	header := http.Header{}
	if *origin != "" {
		header.Set("Origin", *origin)
	}

	console := &chatclient.Console{
		In:     os.Stdin,
		Out:    os.Stdout,
		URL:    *url,
		Header: header,
	}
	if err := console.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Connection Error: %v\n", err)
		os.Exit(1)
	}
}
