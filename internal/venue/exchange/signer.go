package exchange

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	domainName    = "ZeroSpreadExchange"
	domainVersion = "1"
	zeroAddress   = "0x0000000000000000000000000000000000000000"
)

type Signer struct {
	privKey *ecdsa.PrivateKey
	address common.Address
	chainID int64
}

func NewSigner(hexKey string, chainID int64) (*Signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	if chainID <= 0 {
		chainID = 1
	}
	return &Signer{privKey: key, address: crypto.PubkeyToAddress(key.PublicKey), chainID: chainID}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignOrder signs keccak256(msgpack(order)) as the connectionId of an
// EIP-712 Order message.
func (s *Signer) SignOrder(order OrderWire) (string, error) {
	payload, err := EncodeOrder(order)
	if err != nil {
		return "", err
	}
	digest, err := s.orderDigest(crypto.Keccak256(payload))
	if err != nil {
		return "", err
	}
	return s.sign(digest)
}

// SignAuth signs an EIP-712 Request for a session token.
func (s *Signer) SignAuth(method, path string, timestamp, expiration int64) (string, error) {
	digest, err := s.authDigest(method, path, timestamp, expiration)
	if err != nil {
		return "", err
	}
	return s.sign(digest)
}

func (s *Signer) sign(digest []byte) (string, error) {
	sig, err := crypto.Sign(digest, s.privKey)
	if err != nil {
		return "", err
	}
	return signatureHex(sig)
}

func (s *Signer) domain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              domainName,
		Version:           domainVersion,
		ChainId:           math.NewHexOrDecimal256(s.chainID),
		VerifyingContract: zeroAddress,
	}
}

func (s *Signer) orderDigest(orderHash []byte) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes,
			"Order": {
				{Name: "account", Type: "address"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Order",
		Domain:      s.domain(),
		Message: apitypes.TypedDataMessage{
			"account":      s.address.Hex(),
			"connectionId": hexutil.Encode(orderHash),
		},
	}
	return typedDataHash(typedData)
}

func (s *Signer) authDigest(method, path string, timestamp, expiration int64) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes,
			"Request": {
				{Name: "account", Type: "address"},
				{Name: "method", Type: "string"},
				{Name: "path", Type: "string"},
				{Name: "timestamp", Type: "uint64"},
				{Name: "expiration", Type: "uint64"},
			},
		},
		PrimaryType: "Request",
		Domain:      s.domain(),
		Message: apitypes.TypedDataMessage{
			"account":    s.address.Hex(),
			"method":     method,
			"path":       path,
			"timestamp":  strconv.FormatInt(timestamp, 10),
			"expiration": strconv.FormatInt(expiration, 10),
		},
	}
	return typedDataHash(typedData)
}

var domainTypes = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

func typedDataHash(typedData apitypes.TypedData) ([]byte, error) {
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}

func signatureHex(sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("unexpected signature length %d", len(sig))
	}
	out := make([]byte, 65)
	copy(out, sig)
	out[64] += 27
	return hexutil.Encode(out), nil
}

// RecoverAddress returns the signer of digest for a signature produced by
// this package.
func RecoverAddress(digest []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("unexpected signature length %d", len(sig))
	}
	sig = append([]byte(nil), sig...)
	sig[64] -= 27
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
