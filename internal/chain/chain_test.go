package chain

import (
	"bytes"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestLoadDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `chains:
  "eip155:8453":
    rpc_url: https://base.example.org
    description: Base mainnet
  "eip155:84532":
    rpc_url: ""
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}

	def, err := defs.Resolve("eip155:8453")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if def.RPCURL != "https://base.example.org" {
		t.Fatalf("rpc_url = %q", def.RPCURL)
	}

	if _, err := defs.Resolve("eip155:1"); err == nil {
		t.Fatal("expected error for undefined network")
	}
	if _, err := defs.Resolve("eip155:84532"); err == nil {
		t.Fatal("expected error for network without endpoint")
	}
}

func TestLoadDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadDefinitions("")
	if err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if len(defs.Chains) != 0 {
		t.Fatalf("expected no chains, got %d", len(defs.Chains))
	}
}

func TestTransferCalldata(t *testing.T) {
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	data := transferCalldata(to, big.NewInt(1_000_000))

	if len(data) != 68 {
		t.Fatalf("calldata length = %d, want 68", len(data))
	}
	if !bytes.Equal(data[:4], []byte{0xa9, 0x05, 0x9c, 0xbb}) {
		t.Fatalf("selector = %x, want a9059cbb", data[:4])
	}
	if !bytes.Equal(data[4+12:4+32], to.Bytes()) {
		t.Fatal("recipient not encoded in first argument")
	}
	amount := new(big.Int).SetBytes(data[36:])
	if amount.Int64() != 1_000_000 {
		t.Fatalf("amount = %s", amount)
	}
}
