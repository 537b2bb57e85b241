package main

import (
	"fmt"
	"log"
	"os"

	"github.com/MatiasLyyra/radix/bench"
)

func main() {
	log.SetFlags(0)
	if err := bench.App.Run(os.Args); err != nil {
		fmt.Println("Error running CLI app:", err)
		os.Exit(1)
	}
}
