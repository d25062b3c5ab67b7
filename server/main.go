package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
}

// watchSignals cancels on the first interrupt or terminate. A second one
// kills the process.
func watchSignals(ctx context.Context, cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case <-ctx.Done():
		return
	case s := <-c:
		log.Printf("received %s, shutting down (again to force)", s)
		cancel()
	}
	<-c
	os.Exit(130)
}
