package chain

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/agentdao/backoffice/internal/config"
)

var (
	safeDomainTypehash = gethcrypto.Keccak256Hash([]byte("EIP712Domain(uint256 chainId,address verifyingContract)"))
	safeTxTypehash     = gethcrypto.Keccak256Hash([]byte("SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)"))
)

// SafeRelay proposes distribution transactions to a Gnosis Safe transaction
// service instead of broadcasting them directly. The returned hash is the
// safeTxHash; confirmation happens out of band once the owner quorum signs.
type SafeRelay struct {
	safe    common.Address
	chainID *big.Int
	service string
	keys    []*ecdsa.PrivateKey
	http    *http.Client
}

// NewSafeRelay loads the owner keys file (one hex private key per line,
// comment lines start with #).
func NewSafeRelay(cfg *config.Config) (*SafeRelay, error) {
	if cfg.SafeServiceURL == "" {
		return nil, fmt.Errorf("SAFE_SERVICE_URL must be set in Safe mode")
	}
	keys, err := loadOwnerKeys(cfg.SafeOwnerKeys)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("owner keys file %s holds no keys", cfg.SafeOwnerKeys)
	}
	return &SafeRelay{
		safe:    common.HexToAddress(cfg.SafeOwnerAddress),
		chainID: big.NewInt(cfg.ChainID),
		service: strings.TrimRight(cfg.SafeServiceURL, "/"),
		keys:    keys,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func loadOwnerKeys(path string) ([]*ecdsa.PrivateKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open owner keys file: %w", err)
	}
	defer f.Close()

	var keys []*ecdsa.PrivateKey
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(line, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse owner key: invalid_private_key")
		}
		keys = append(keys, key)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read owner keys file: %w", err)
	}
	return keys, nil
}

// Propose signs a SafeTx with the first owner key and posts it to the
// transaction service. Returns the safeTxHash.
func (r *SafeRelay) Propose(ctx context.Context, to string, data []byte) (string, error) {
	nonce, err := r.nextNonce(ctx)
	if err != nil {
		return "", err
	}

	hash, err := r.safeTxHash(common.HexToAddress(to), data, nonce)
	if err != nil {
		return "", err
	}

	key := r.keys[0]
	sig, err := gethcrypto.Sign(hash.Bytes(), key)
	if err != nil {
		return "", fmt.Errorf("sign safe tx: %w", err)
	}
	sig[64] += 27

	body, err := json.Marshal(map[string]any{
		"to":                      common.HexToAddress(to).Hex(),
		"value":                   "0",
		"data":                    "0x" + hex.EncodeToString(data),
		"operation":               0,
		"safeTxGas":               "0",
		"baseGas":                 "0",
		"gasPrice":                "0",
		"gasToken":                common.Address{}.Hex(),
		"refundReceiver":          common.Address{}.Hex(),
		"nonce":                   nonce,
		"contractTransactionHash": hash.Hex(),
		"sender":                  gethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		"signature":               "0x" + hex.EncodeToString(sig),
	})
	if err != nil {
		return "", fmt.Errorf("marshal proposal: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/safes/%s/multisig-transactions/", r.service, r.safe.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post safe proposal: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("safe service rejected proposal: status %d", resp.StatusCode)
	}
	return hash.Hex(), nil
}

func (r *SafeRelay) nextNonce(ctx context.Context) (uint64, error) {
	url := fmt.Sprintf("%s/api/v1/safes/%s/", r.service, r.safe.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch safe nonce: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch safe nonce: status %d", resp.StatusCode)
	}
	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode safe nonce: %w", err)
	}
	return out.Nonce, nil
}

func (r *SafeRelay) safeTxHash(to common.Address, data []byte, nonce uint64) (common.Hash, error) {
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	uint8Ty, _ := abi.NewType("uint8", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)

	domainArgs := abi.Arguments{{Type: bytes32Ty}, {Type: uint256Ty}, {Type: addressTy}}
	domainEnc, err := domainArgs.Pack(safeDomainTypehash, r.chainID, r.safe)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack domain: %w", err)
	}
	domainSeparator := gethcrypto.Keccak256Hash(domainEnc)

	txArgs := abi.Arguments{
		{Type: bytes32Ty}, {Type: addressTy}, {Type: uint256Ty}, {Type: bytes32Ty},
		{Type: uint8Ty}, {Type: uint256Ty}, {Type: uint256Ty}, {Type: uint256Ty},
		{Type: addressTy}, {Type: addressTy}, {Type: uint256Ty},
	}
	txEnc, err := txArgs.Pack(safeTxTypehash, to, big.NewInt(0),
		gethcrypto.Keccak256Hash(data), uint8(0),
		big.NewInt(0), big.NewInt(0), big.NewInt(0),
		common.Address{}, common.Address{}, new(big.Int).SetUint64(nonce))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack safe tx: %w", err)
	}
	structHash := gethcrypto.Keccak256Hash(txEnc)

	return gethcrypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes()), nil
}
