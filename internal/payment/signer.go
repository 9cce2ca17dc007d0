package payment

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/pkg/x402"
)

// Signer produces EIP-3009 TransferWithAuthorization signatures for the
// exact payment scheme. The EIP-712 domain is pinned to the settlement
// asset; only the verifying contract and chain id vary per offer.
type Signer struct {
	assetName    string
	assetVersion string
}

func NewSigner(assetName, assetVersion string) *Signer {
	return &Signer{assetName: assetName, assetVersion: assetVersion}
}

// Sign authorizes a transfer matching the offer. validAfter is zero and
// validBefore is now plus the offer's timeout, so the authorization is
// spendable immediately and expires with the offer.
func (s *Signer) Sign(key *ecdsa.PrivateKey, offer *x402.PaymentRequirement, amount *big.Int, now int64) (*x402.PaymentPayload, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInitFailure, "no signing key")
	}
	chainID, err := x402.ChainID(offer.Network)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "offer network")
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "generate authorization nonce")
	}

	from := crypto.PubkeyToAddress(key.PublicKey).Hex()
	validBefore := now + offer.MaxTimeoutSeconds

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              s.assetName,
			Version:           s.assetVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: offer.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        from,
			"to":          offer.PayTo,
			"value":       amount.String(),
			"validAfter":  "0",
			"validBefore": fmt.Sprintf("%d", validBefore),
			"nonce":       nonce,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "hash transfer authorization")
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "sign transfer authorization")
	}
	sig[crypto.RecoveryIDOffset] += 27

	return &x402.PaymentPayload{
		From:        from,
		To:          offer.PayTo,
		Value:       amount.String(),
		ValidAfter:  0,
		ValidBefore: validBefore,
		Nonce:       "0x" + hex.EncodeToString(nonce),
		Signature:   "0x" + hex.EncodeToString(sig),
	}, nil
}

// zeroKey scrubs the scalar of an unsealed signing key.
func zeroKey(key *ecdsa.PrivateKey) {
	if key != nil && key.D != nil {
		key.D.SetInt64(0)
	}
}
