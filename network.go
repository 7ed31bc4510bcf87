package x402

import (
	"fmt"
	"strconv"
	"strings"
)

// ChainFamily is the closed set of chain families the engine can build
// payments for. The CAIP-2 namespace of a network identifier is parsed into
// this tag exactly once, at the boundary; everything past ParseNetwork
// dispatches on the tag, never on string prefixes.
type ChainFamily int

const (
	// FamilyUnknown represents an unrecognized chain family.
	FamilyUnknown ChainFamily = iota
	// FamilyAptos represents Aptos account-model chains (signed delegated
	// transactions, settled by the facilitator).
	FamilyAptos
	// FamilyEVM represents Ethereum Virtual Machine chains (off-chain signed
	// EIP-3009 authorizations, never broadcast by the client).
	FamilyEVM
	// FamilySVM represents Solana Virtual Machine chains (partially signed
	// transactions with a facilitator fee payer).
	FamilySVM
)

func (f ChainFamily) String() string {
	switch f {
	case FamilyAptos:
		return "aptos"
	case FamilyEVM:
		return "eip155"
	case FamilySVM:
		return "solana"
	default:
		return "unknown"
	}
}

// CAIP-2 network identifiers for the supported chains.
const (
	// Aptos networks (chain-id reference: 1 mainnet, 2 testnet)
	NetworkAptosMainnet = "aptos:1"
	NetworkAptosTestnet = "aptos:2"

	// EVM mainnets
	NetworkBase      = "eip155:8453"
	NetworkPolygon   = "eip155:137"
	NetworkAvalanche = "eip155:43114"

	// EVM testnets
	NetworkBaseSepolia   = "eip155:84532"
	NetworkPolygonAmoy   = "eip155:80002"
	NetworkAvalancheFuji = "eip155:43113"

	// Solana networks (genesis hash reference per CAIP-2)
	NetworkSolanaMainnet = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	NetworkSolanaDevnet  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
)

// Network is the parsed form of a CAIP-2 network identifier.
type Network struct {
	// ID is the original identifier, e.g. "eip155:84532".
	ID string

	// Family is the chain family tag derived from the namespace.
	Family ChainFamily

	// Namespace is the CAIP-2 namespace, e.g. "eip155".
	Namespace string

	// Reference is the namespace-specific chain reference: a numeric chain id
	// for eip155 and aptos, a genesis hash for solana.
	Reference string
}

// ChainID returns the numeric chain id encoded in the reference.
// Only valid for the aptos and eip155 namespaces.
func (n Network) ChainID() (int64, error) {
	switch n.Family {
	case FamilyAptos, FamilyEVM:
		id, err := strconv.ParseInt(n.Reference, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: non-numeric chain id %q", ErrInvalidNetwork, n.Reference)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("%w: no numeric chain id for namespace %q", ErrInvalidNetwork, n.Namespace)
	}
}

// ParseNetwork parses a CAIP-2 network identifier into its family tag and
// reference. An empty or malformed identifier, or a namespace outside the
// supported families, is an error.
func ParseNetwork(id string) (Network, error) {
	if id == "" {
		return Network{}, fmt.Errorf("%w: empty network identifier", ErrInvalidNetwork)
	}

	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Network{}, fmt.Errorf("%w: expected namespace:reference, got %q", ErrInvalidNetwork, id)
	}

	n := Network{
		ID:        id,
		Namespace: parts[0],
		Reference: parts[1],
	}

	switch n.Namespace {
	case "aptos":
		if _, err := strconv.ParseUint(n.Reference, 10, 8); err != nil {
			return Network{}, fmt.Errorf("%w: invalid aptos chain id %q", ErrInvalidNetwork, n.Reference)
		}
		n.Family = FamilyAptos
	case "eip155":
		if _, err := strconv.ParseInt(n.Reference, 10, 64); err != nil {
			return Network{}, fmt.Errorf("%w: invalid EIP-155 chain id %q", ErrInvalidNetwork, n.Reference)
		}
		n.Family = FamilyEVM
	case "solana":
		if len(n.Reference) < 32 || len(n.Reference) > 44 {
			return Network{}, fmt.Errorf("%w: invalid solana genesis hash %q", ErrInvalidNetwork, n.Reference)
		}
		n.Family = FamilySVM
	default:
		return Network{}, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, n.Namespace)
	}

	return n, nil
}

// ValidateNetwork validates a network identifier and returns its chain family.
func ValidateNetwork(networkID string) (ChainFamily, error) {
	n, err := ParseNetwork(networkID)
	if err != nil {
		return FamilyUnknown, err
	}
	return n.Family, nil
}
