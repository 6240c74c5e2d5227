package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/openpgp"
)

// ErrSignature marks a failed signature verification so callers can map it
// onto their own error taxonomy.
var ErrSignature = errors.New("signature verification failed")

const armorPrefix = "-----BEGIN PGP"

// VerifyDetached checks a detached PGP signature over target against the
// given key files. Keys and signatures may be armored or binary.
func VerifyDetached(target, signature string, keyFiles []string) error {
	if len(keyFiles) == 0 {
		return fmt.Errorf("%w: no keys given to verify %s", ErrSignature, target)
	}

	var keyring openpgp.EntityList
	for _, keyFile := range keyFiles {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("failed to read key %s: %w", keyFile, err)
		}
		entities, err := readKeyRing(data)
		if err != nil {
			return fmt.Errorf("failed to parse key %s: %w", keyFile, err)
		}
		keyring = append(keyring, entities...)
	}

	signed, err := os.Open(target)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", target, err)
	}
	defer signed.Close()

	sigData, err := os.ReadFile(signature)
	if err != nil {
		return fmt.Errorf("failed to read signature %s: %w", signature, err)
	}

	if bytes.HasPrefix(bytes.TrimSpace(sigData), []byte(armorPrefix)) {
		_, err = openpgp.CheckArmoredDetachedSignature(keyring, signed, bytes.NewReader(sigData))
	} else {
		_, err = openpgp.CheckDetachedSignature(keyring, signed, bytes.NewReader(sigData))
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSignature, target, err)
	}
	return nil
}

func readKeyRing(data []byte) (openpgp.EntityList, error) {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(armorPrefix)) {
		return openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	}
	return openpgp.ReadKeyRing(bytes.NewReader(data))
}
