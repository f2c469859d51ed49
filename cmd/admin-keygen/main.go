// admin-keygen generates an Argon2id hash of an admin credential, for
// pasting into ADMIN_CREDENTIAL / config.yaml's admin_credential field. The
// plaintext never touches the running process's config.
package main

import (
	"fmt"
	"os"

	"github.com/technosupport/sentrymesh/internal/auth"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: admin-keygen <plaintext-credential>")
		os.Exit(1)
	}

	hash, err := auth.HashPassword(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
