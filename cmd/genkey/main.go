// genkey prints a new dmsync identity: the seed to keep and the address to share.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/eldtechnologies/dmsync/internal/crypto"
)

func main() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}

	fmt.Printf("DMSYNC_KEY=%s\n", base64.StdEncoding.EncodeToString(priv.Seed()))
	fmt.Printf("Address (share with peers): %s\n", crypto.Address(pub))
}
