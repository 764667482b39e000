package main

import (
	"log"

	"subsidychain/cmd/internal/passphrase"
	"subsidychain/services/subsidyd"
)

func main() {
	key := passphrase.NewSource("SUBSIDYD_SIGNING_KEY", "ledger signing key")
	if err := subsidyd.Main(key.Get); err != nil {
		log.Fatalf("subsidyd: %v", err)
	}
}
