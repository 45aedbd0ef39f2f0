package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/converselabs/converse/internal/hub"
)

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	issueFor := flag.String("issue-token", "", "print a bearer token for the given user id and exit")
	flag.Parse()

	secret := os.Getenv("CONVERSE_HUB_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "error: CONVERSE_HUB_SECRET must be set")
		os.Exit(1)
	}
	cfg := hub.DefaultTokenConfig(secret)

	if *issueFor != "" {
		token, err := hub.CreateToken(*issueFor, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	router := hub.NewRouter(hub.NewStore(), cfg)
	if err := router.Run(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
