package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Digester is the hash primitive shared by identity hashes and Merkle nodes.
type Digester interface {
	Name() string
	Sum(data []byte) []byte
}

type SHA256 struct{}

func (SHA256) Name() string { return "sha256" }

func (SHA256) Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

type Blake2b256 struct{}

func (Blake2b256) Name() string { return "blake2b" }

func (Blake2b256) Sum(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// DigesterFor resolves a configured algorithm name.
func DigesterFor(name string) (Digester, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sha256":
		return SHA256{}, nil
	case "blake2b":
		return Blake2b256{}, nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", name)
	}
}

func hexSum(d Digester, data []byte) string {
	return hex.EncodeToString(d.Sum(data))
}
