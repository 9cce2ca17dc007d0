package x402

import (
	"math/big"
	"net/http"
	"testing"
)

func TestParseChallenge(t *testing.T) {
	header := http.Header{}
	header.Set(HeaderPaymentRequired, `[{"scheme":"exact","network":"eip155:8453","asset":"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913","amount":"0.10","payTo":"0x0000000000000000000000000000000000000001","maxTimeoutSeconds":60}]`)

	offers, err := ParseChallenge(header)
	if err != nil {
		t.Fatalf("parse challenge: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(offers))
	}
	if offers[0].Amount != "0.10" || offers[0].Network != "eip155:8453" {
		t.Fatalf("unexpected offer: %+v", offers[0])
	}
}

func TestParseChallengeMissingOrMalformed(t *testing.T) {
	cases := map[string]http.Header{
		"absent":     {},
		"empty":      {HeaderPaymentRequired: []string{""}},
		"not json":   {HeaderPaymentRequired: []string{"pay me"}},
		"empty list": {HeaderPaymentRequired: []string{"[]"}},
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseChallenge(header); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSelectOffer(t *testing.T) {
	offers := []PaymentRequirement{
		{Scheme: "exact", Network: "eip155:1", Amount: "1.00"},
		{Scheme: "exact", Network: "eip155:8453", Amount: "0.25"},
	}

	offer, err := SelectOffer(offers, "exact", "eip155:8453")
	if err != nil {
		t.Fatalf("select offer: %v", err)
	}
	if offer.Amount != "0.25" {
		t.Fatalf("unexpected offer: %+v", offer)
	}

	if _, err := SelectOffer(offers, "upto", "eip155:8453"); err == nil {
		t.Fatal("expected hard error for unsupported scheme")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	payload := &PaymentPayload{
		From:        "0x0000000000000000000000000000000000000002",
		To:          "0x0000000000000000000000000000000000000001",
		Value:       "1000000",
		ValidBefore: 1700000600,
		Nonce:       "0x01",
		Signature:   "0x02",
	}
	encoded, err := EncodePayload(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	decoded, err := DecodePayload(encoded)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Value != payload.Value || decoded.From != payload.From {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestChainID(t *testing.T) {
	id, err := ChainID("eip155:8453")
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	if id != 8453 {
		t.Fatalf("expected 8453, got %d", id)
	}

	for _, bad := range []string{"", "8453", "solana:main", "eip155:", "eip155:abc"} {
		if _, err := ChainID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseAmount(t *testing.T) {
	cases := map[string]int64{
		"1.00":     1_000_000,
		"1":        1_000_000,
		"0.000001": 1,
		"0.10":     100_000,
		".5":       500_000,
		"5.00":     5_000_000,
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got.Cmp(big.NewInt(want)) != 0 {
			t.Fatalf("parse %q: got %s want %d", in, got, want)
		}
	}

	for _, bad := range []string{"", "-1", "1.0000001", "abc", "1,00"} {
		if _, err := ParseAmount(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	if got := FormatAmount(big.NewInt(1_000_000)); got != "1.000000" {
		t.Fatalf("unexpected format: %s", got)
	}
	if got := FormatAmount(big.NewInt(100_000)); got != "0.100000" {
		t.Fatalf("unexpected format: %s", got)
	}
	if got := FormatAmount(nil); got != "0.000000" {
		t.Fatalf("unexpected format: %s", got)
	}
}
