package main

import (
	"log"

	"github.com/mailforge/o365migrate/cmd"
)

func main() {
	err := cmd.Run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}
