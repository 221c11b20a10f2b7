package governor

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// proposalArgs is abi.encode(address[], uint256[], bytes[], bytes32).
var proposalArgs = func() abi.Arguments {
	mustType := func(name string) abi.Type {
		t, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(fmt.Sprintf("governor: abi type %s: %v", name, err))
		}
		return t
	}
	return abi.Arguments{
		{Type: mustType("address[]")},
		{Type: mustType("uint256[]")},
		{Type: mustType("bytes[]")},
		{Type: mustType("bytes32")},
	}
}()

// DescriptionHash is keccak256 of the proposal description.
func DescriptionHash(description string) common.Hash {
	return crypto.Keccak256Hash([]byte(description))
}

// HashProposal derives the proposal id the way OpenZeppelin's Governor
// does: keccak256(abi.encode(targets, values, calldatas, descriptionHash)).
func HashProposal(targets []common.Address, values []*uint256.Int, calldatas [][]byte, descriptionHash common.Hash) (common.Hash, error) {
	bigValues := make([]*big.Int, len(values))
	for i, v := range values {
		if v == nil {
			bigValues[i] = new(big.Int)
			continue
		}
		bigValues[i] = v.ToBig()
	}
	if targets == nil {
		targets = []common.Address{}
	}
	if calldatas == nil {
		calldatas = [][]byte{}
	}
	packed, err := proposalArgs.Pack(targets, bigValues, calldatas, [32]byte(descriptionHash))
	if err != nil {
		return common.Hash{}, fmt.Errorf("governor: encode proposal: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}
