package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABI fragments for the pre-deployed factory and escrow
// contracts. The immutables tuple layout is wire-exact and must not be
// reordered.
const factoryABIJSON = `[
	{
		"type": "function",
		"name": "createSrcEscrow",
		"stateMutability": "payable",
		"inputs": [
			{
				"name": "immutables",
				"type": "tuple",
				"components": [
					{"name": "maker", "type": "address"},
					{"name": "taker", "type": "address"},
					{"name": "token", "type": "address"},
					{"name": "amount", "type": "uint256"},
					{"name": "safetyDeposit", "type": "uint256"},
					{"name": "hashlock", "type": "bytes32"},
					{
						"name": "timelocks",
						"type": "tuple",
						"components": [
							{"name": "srcWithdrawal", "type": "uint256"},
							{"name": "srcPublicWithdrawal", "type": "uint256"},
							{"name": "srcCancellation", "type": "uint256"},
							{"name": "srcDeployedAt", "type": "uint256"},
							{"name": "dstWithdrawal", "type": "uint256"},
							{"name": "dstCancellation", "type": "uint256"},
							{"name": "dstDeployedAt", "type": "uint256"}
						]
					},
					{"name": "orderHash", "type": "bytes32"},
					{"name": "chainId", "type": "uint256"}
				]
			}
		],
		"outputs": [{"name": "escrow", "type": "address"}]
	},
	{
		"type": "event",
		"name": "SrcEscrowCreated",
		"inputs": [
			{"name": "escrow", "type": "address", "indexed": false},
			{"name": "orderHash", "type": "bytes32", "indexed": true},
			{"name": "maker", "type": "address", "indexed": true}
		]
	}
]`

const escrowABIJSON = `[
	{
		"type": "function",
		"name": "withdraw",
		"stateMutability": "nonpayable",
		"inputs": [{"name": "secret", "type": "bytes32"}],
		"outputs": []
	},
	{
		"type": "function",
		"name": "cancel",
		"stateMutability": "nonpayable",
		"inputs": [],
		"outputs": []
	},
	{
		"type": "event",
		"name": "Withdrawn",
		"inputs": [{"name": "secret", "type": "bytes32", "indexed": false}]
	},
	{
		"type": "event",
		"name": "Cancelled",
		"inputs": []
	}
]`

const erc20ABIJSON = `[
	{
		"type": "function",
		"name": "allowance",
		"stateMutability": "view",
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "approve",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	}
]`

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic("evm: bad embedded abi: " + err.Error())
	}
	return parsed
}

var (
	factoryABI = mustParseABI(factoryABIJSON)
	escrowABI  = mustParseABI(escrowABIJSON)
	erc20ABI   = mustParseABI(erc20ABIJSON)
)
