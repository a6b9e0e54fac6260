package main

import (
	"log"

	"github.com/austindbirch/tidehook/cmd/tidehookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
