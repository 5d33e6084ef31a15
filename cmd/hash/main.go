// Package main is a utility for generating the bcrypt hash of the
// administrative shared secret. Deployments that set auth.api_secret_hash
// instead of auth.api_secret keep the plaintext secret out of config files
// and the environment entirely; run this locally and paste the output.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	var secret string
	if len(os.Args) > 1 {
		secret = os.Args[1]
	} else {
		fmt.Fprint(os.Stderr, "secret: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading secret: %v\n", err)
			os.Exit(1)
		}
		secret = strings.TrimSpace(line)
	}
	if secret == "" {
		fmt.Fprintln(os.Stderr, "usage: hash [secret]")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hashing secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}
