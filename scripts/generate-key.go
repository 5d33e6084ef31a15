//go:build ignore

// Development utility that mints a license key token in the canonical
// PREFIX-RANDOM form and prints a ready-to-run curl command for the add-key
// endpoint, so a key can be seeded against a local server without going
// through the issuing bot. Run with: go run scripts/generate-key.go [prefix]
package main

import (
	"crypto/rand"
	"fmt"
	"log"
	"os"
	"strings"
)

// Crockford-style alphabet: no 0/O or 1/I lookalikes, since keys get read
// aloud and retyped by server owners.
const alphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

func main() {
	prefix := "AB"
	if len(os.Args) > 1 {
		prefix = strings.ToUpper(os.Args[1])
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Fatal(err)
	}
	token := make([]byte, len(buf))
	for i, b := range buf {
		token[i] = alphabet[int(b)%len(alphabet)]
	}

	key := fmt.Sprintf("%s-%s", prefix, token)

	fmt.Printf("Key: %s\n\n", key)
	fmt.Println("Seed it against a local server:")
	fmt.Printf(`curl -s -X POST http://localhost:8080/api/add-key \
  -H "Authorization: Bearer $LR_AUTH_API_SECRET" \
  -H "Content-Type: application/json" \
  -d '{"key":"%s","system_name":"dev","server_name":"local","placeid":"0","duration":"1week","assigned_to":{"id":"0","name":"dev"}}'
`, key)
}
