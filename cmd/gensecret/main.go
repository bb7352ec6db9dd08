// Command gensecret prints a new STREAMFLEET_API_SHARED_SECRET value.
// THIS is not a production-grade tool, just a simple utility for
// operators bootstrapping a new environment.
package main

import (
	"fmt"
	"log"

	"github.com/streamfleet/orchestrator/internal/auth"
)

func main() {
	secret, err := auth.GenerateSharedSecret()
	if err != nil {
		log.Fatalf("failed to generate shared secret: %v", err)
	}

	fmt.Println("Generated STREAMFLEET_API_SHARED_SECRET:")
	fmt.Println(secret)
	fmt.Println()
	fmt.Printf("fingerprint: %s\n", auth.Fingerprint(secret))
	fmt.Println()
	fmt.Println("Set this on both the orchestrator and every worker calling its Control API.")
}
