package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// ProposeWithBond(address proposer,address[] targets,uint256[] values,bytes[] calldatas,string description,uint256 deadline)
	proposeTypeHash = ethcrypto.Keccak256(
		[]byte("ProposeWithBond(address proposer,address[] targets,uint256[] values,bytes[] calldatas,string description,uint256 deadline)"),
	)
)

// Domain name and version proposers sign under.
const (
	DomainName    = "ProposalBond"
	DomainVersion = "1"
)

// ProposalVerifier checks that a proposal request was signed by its
// proposer. The signed message binds every proposal field and a deadline,
// under a domain naming the chain and the bond custodian.
type ProposalVerifier struct {
	domainSep []byte // cached EIP-712 domain separator hash
	now       func() time.Time
}

// NewProposalVerifier creates a verifier for chainID with the custodian as
// the verifying contract.
func NewProposalVerifier(chainID uint64, custodian common.Address) *ProposalVerifier {
	return &ProposalVerifier{
		domainSep: buildDomainSeparator(DomainName, DomainVersion, chainID, custodian),
		now:       time.Now,
	}
}

// Digest returns the EIP-712 digest the proposer signs for req.
func (v *ProposalVerifier) Digest(req domain.ProposalRequest, deadline uint64) []byte {
	return eip712Hash(v.domainSep, proposeStructHash(req, deadline))
}

// Verify checks that sig is the proposer's signature over req and that the
// deadline (Unix seconds) has not passed. Failures wrap
// domain.ErrInvalidSignature.
func (v *ProposalVerifier) Verify(req domain.ProposalRequest, deadline uint64, sig []byte) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if deadline < uint64(v.now().Unix()) {
		return fmt.Errorf("%w: signature expired at %d", domain.ErrInvalidSignature, deadline)
	}
	signer, err := recoverSigner(v.Digest(req, deadline), sig)
	if err != nil {
		return err
	}
	if signer != req.Proposer {
		return fmt.Errorf("%w: signed by %s, not proposer %s", domain.ErrInvalidSignature, signer.Hex(), req.Proposer.Hex())
	}
	return nil
}

// ProposalSigner signs proposal requests with a proposer's key.
type ProposalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	verifier   *ProposalVerifier
}

// NewProposalSigner creates a ProposalSigner from a hex-encoded secp256k1
// private key, signing under the same domain as NewProposalVerifier.
func NewProposalSigner(privateKeyHex string, chainID uint64, custodian common.Address) (*ProposalSigner, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &ProposalSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		verifier:   NewProposalVerifier(chainID, custodian),
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *ProposalSigner) Address() common.Address {
	return s.address
}

// Sign returns the hex-encoded 65-byte signature over req and deadline.
func (s *ProposalSigner) Sign(req domain.ProposalRequest, deadline uint64) (string, error) {
	return s.signDigest(s.verifier.Digest(req, deadline))
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildDomainSeparator returns
// keccak256(abi.encode(typeHash, nameHash, versionHash, chainId, verifyingContract)).
func buildDomainSeparator(name, version string, chainID uint64, contract common.Address) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			word(uint256.NewInt(chainID)),
			common.LeftPadBytes(contract.Bytes(), 32),
		),
	)
}

// proposeStructHash encodes a proposal per EIP-712. Arrays hash the
// concatenation of their encoded members; bytes and string members are
// hashed first.
func proposeStructHash(req domain.ProposalRequest, deadline uint64) []byte {
	targets := make([][]byte, len(req.Targets))
	for i, t := range req.Targets {
		targets[i] = common.LeftPadBytes(t.Bytes(), 32)
	}
	values := make([][]byte, len(req.Values))
	for i, v := range req.Values {
		values[i] = word(v)
	}
	calldatas := make([][]byte, len(req.Calldatas))
	for i, c := range req.Calldatas {
		calldatas[i] = ethcrypto.Keccak256(c)
	}

	return ethcrypto.Keccak256(
		concatBytes(
			proposeTypeHash,
			common.LeftPadBytes(req.Proposer.Bytes(), 32),
			ethcrypto.Keccak256(concatBytes(targets...)),
			ethcrypto.Keccak256(concatBytes(values...)),
			ethcrypto.Keccak256(concatBytes(calldatas...)),
			ethcrypto.Keccak256([]byte(req.Description)),
			word(uint256.NewInt(deadline)),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func (s *ProposalSigner) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; wallets produce v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// recoverSigner returns the address that produced sig over digest. Both
// v encodings ({0,1} and {27,28}) are accepted.
func recoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature is %d bytes, want %d",
			domain.ErrInvalidSignature, len(sig), ethcrypto.SignatureLength)
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// word returns the 32-byte big-endian encoding of n.
func word(n *uint256.Int) []byte {
	b := n.Bytes32()
	return b[:]
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
