package main

import (
	"log"
	"os"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if err := newRootCommand().Execute(); err != nil {
		log.Printf("offline0: %v", err)
		os.Exit(1)
	}
}
