package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spendguard/spendguard/test/mockprovider"
)

func main() {
	addr := flag.String("addr", ":8888", "Server address")
	prompt := flag.Int("prompt-tokens", mockprovider.DefaultPromptTokens, "Prompt tokens reported per call")
	completion := flag.Int("completion-tokens", mockprovider.DefaultCompletionTokens, "Completion tokens reported per call")
	flag.Parse()

	state := mockprovider.NewState()
	state.SetTokens(*prompt, *completion)
	server := mockprovider.NewServer(state)

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down mock provider...")
		os.Exit(0)
	}()

	log.Printf("Starting mock LLM provider on %s", *addr)
	if err := server.Run(*addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
