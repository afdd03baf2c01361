package types

import "strings"

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM     ChainFamily = "evm"
	ChainSolana  ChainFamily = "solana"
	ChainUnknown ChainFamily = ""
)

// Network is a chain identifier. Both CAIP-2 identifiers ("eip155:8453",
// "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp") and the legacy human-readable
// names still emitted by older sellers are recognized.
type Network string

const (
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia"
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy"

	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet"
)

var legacyEVMNetworks = map[Network]bool{
	NetworkBase:        true,
	NetworkBaseSepolia: true,
	NetworkPolygon:     true,
	NetworkPolygonAmoy: true,
}

var legacySolanaNetworks = map[Network]bool{
	NetworkSolanaMainnet: true,
	NetworkSolanaDevnet:  true,
}

// Family classifies the network into a chain family, or ChainUnknown when the
// identifier does not belong to any supported family.
func (n Network) Family() ChainFamily {
	switch {
	case strings.HasPrefix(string(n), "eip155:"):
		return ChainEVM
	case strings.HasPrefix(string(n), "solana:"):
		return ChainSolana
	case legacyEVMNetworks[n]:
		return ChainEVM
	case legacySolanaNetworks[n]:
		return ChainSolana
	default:
		return ChainUnknown
	}
}

// IsSupported reports whether the network belongs to a supported chain family.
func (n Network) IsSupported() bool {
	return n.Family() != ChainUnknown
}

func (n Network) IsEVM() bool {
	return n.Family() == ChainEVM
}

func (n Network) IsSolana() bool {
	return n.Family() == ChainSolana
}

func (n Network) String() string {
	return string(n)
}
