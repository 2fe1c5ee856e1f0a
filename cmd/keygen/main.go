// Command keygen generates an Ed25519 identity for an agent: the did:seed
// identifier, the multibase public key to register with, and the private
// seed to keep. Pass -seed to re-derive a deterministic identity.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/admp-io/admpd/internal/crypto"
)

func main() {
	seedB64 := flag.String("seed", "", "base64 Ed25519 seed to derive from (default: random)")
	flag.Parse()

	var (
		kp  crypto.KeyPair
		err error
	)
	if *seedB64 != "" {
		seed, derr := crypto.FromBase64(*seedB64)
		if derr != nil {
			fmt.Fprintf(os.Stderr, "invalid seed: %v\n", derr)
			os.Exit(1)
		}
		kp, err = crypto.KeyPairFromSeed(seed)
	} else {
		kp, err = crypto.GenerateKeyPair()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "key generation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("did:            %s\n", crypto.SeedDID(kp.Public))
	fmt.Printf("fingerprint:    %s\n", crypto.Fingerprint(kp.Public))
	fmt.Printf("public_key:     %s\n", crypto.EncodePublicKeyMultibase(kp.Public))
	fmt.Printf("private_base64: %s\n", crypto.Base64([]byte(kp.Private)))
}
