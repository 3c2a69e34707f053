package onchain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs (solo los métodos que usa el keeper)
var (
	accountABI   abi.ABI
	perpsABI     abi.ABI
	multicallABI abi.ABI
	pythABI      abi.ABI
	wrapperABI   abi.ABI
	erc20ABI     abi.ABI
	spotABI      abi.ABI
	wethABI      abi.ABI
)

func mustParse(name, def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(name + " abi parse: " + err.Error())
	}
	return parsed
}

func init() {
	accountABI = mustParse("account", `[
		{"name": "totalSupply", "type": "function", "stateMutability": "view",
		 "inputs": [], "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "tokenByIndex", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "index", "type": "uint256"}], "outputs": [{"name": "", "type": "uint256"}]}
	]`)

	perpsABI = mustParse("perps", `[
		{"name": "totalCollateralValue", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "accountId", "type": "uint128"}], "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "getAccountDigest", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "accountId", "type": "uint128"}, {"name": "marketId", "type": "uint128"}],
		 "outputs": [{"name": "digest", "type": "tuple", "components": [
			{"name": "depositedCollaterals", "type": "tuple[]", "components": [
				{"name": "collateralAddress", "type": "address"},
				{"name": "available", "type": "uint256"}
			]},
			{"name": "collateralUsd", "type": "uint256"},
			{"name": "debtUsd", "type": "uint256"}
		 ]}]},
		{"name": "canLiquidate", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "accountId", "type": "uint128"}], "outputs": [{"name": "", "type": "bool"}]},
		{"name": "isPositionLiquidatable", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "accountId", "type": "uint128"}, {"name": "marketId", "type": "uint128"}],
		 "outputs": [{"name": "", "type": "bool"}]},
		{"name": "isMarginLiquidatable", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "accountId", "type": "uint128"}, {"name": "marketId", "type": "uint128"}],
		 "outputs": [{"name": "", "type": "bool"}]},
		{"name": "liquidate", "type": "function", "stateMutability": "nonpayable",
		 "inputs": [{"name": "accountId", "type": "uint128"}], "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "flagPosition", "type": "function", "stateMutability": "nonpayable",
		 "inputs": [{"name": "accountId", "type": "uint128"}, {"name": "marketId", "type": "uint128"}], "outputs": []},
		{"name": "liquidatePosition", "type": "function", "stateMutability": "nonpayable",
		 "inputs": [{"name": "accountId", "type": "uint128"}, {"name": "marketId", "type": "uint128"}], "outputs": []},
		{"name": "getOrder", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "accountId", "type": "uint128"}],
		 "outputs": [{"name": "order", "type": "tuple", "components": [
			{"name": "commitmentTime", "type": "uint256"},
			{"name": "request", "type": "tuple", "components": [
				{"name": "marketId", "type": "uint128"},
				{"name": "accountId", "type": "uint128"},
				{"name": "sizeDelta", "type": "int128"},
				{"name": "settlementStrategyId", "type": "uint128"},
				{"name": "acceptablePrice", "type": "uint256"},
				{"name": "trackingCode", "type": "bytes32"},
				{"name": "referrer", "type": "address"}
			]}
		 ]}]},
		{"name": "settleOrder", "type": "function", "stateMutability": "nonpayable",
		 "inputs": [{"name": "accountId", "type": "uint128"}], "outputs": []},
		{"name": "OrderCommitted", "type": "event", "anonymous": false, "inputs": [
			{"name": "marketId", "type": "uint128", "indexed": true},
			{"name": "accountId", "type": "uint128", "indexed": true},
			{"name": "orderType", "type": "uint8", "indexed": false},
			{"name": "sizeDelta", "type": "int128", "indexed": false},
			{"name": "acceptablePrice", "type": "uint256", "indexed": false},
			{"name": "commitmentTime", "type": "uint256", "indexed": false},
			{"name": "expectedPriceTime", "type": "uint256", "indexed": false},
			{"name": "settlementTime", "type": "uint256", "indexed": false},
			{"name": "expirationTime", "type": "uint256", "indexed": false},
			{"name": "trackingCode", "type": "bytes32", "indexed": true},
			{"name": "sender", "type": "address", "indexed": false}
		]}
	]`)

	multicallABI = mustParse("multicall", `[
		{"name": "aggregate3", "type": "function", "stateMutability": "payable",
		 "inputs": [{"name": "calls", "type": "tuple[]", "components": [
			{"name": "target", "type": "address"},
			{"name": "allowFailure", "type": "bool"},
			{"name": "callData", "type": "bytes"}
		 ]}],
		 "outputs": [{"name": "returnData", "type": "tuple[]", "components": [
			{"name": "success", "type": "bool"},
			{"name": "returnData", "type": "bytes"}
		 ]}]},
		{"name": "aggregate3Value", "type": "function", "stateMutability": "payable",
		 "inputs": [{"name": "calls", "type": "tuple[]", "components": [
			{"name": "target", "type": "address"},
			{"name": "allowFailure", "type": "bool"},
			{"name": "value", "type": "uint256"},
			{"name": "callData", "type": "bytes"}
		 ]}],
		 "outputs": [{"name": "returnData", "type": "tuple[]", "components": [
			{"name": "success", "type": "bool"},
			{"name": "returnData", "type": "bytes"}
		 ]}]}
	]`)

	pythABI = mustParse("pyth", `[
		{"name": "getUpdateFee", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "updateData", "type": "bytes[]"}], "outputs": [{"name": "feeAmount", "type": "uint256"}]},
		{"name": "updatePriceFeeds", "type": "function", "stateMutability": "payable",
		 "inputs": [{"name": "updateData", "type": "bytes[]"}], "outputs": []}
	]`)

	wrapperABI = mustParse("pyth wrapper", `[
		{"name": "getLatestPrice", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "priceId", "type": "bytes32"}, {"name": "stalenessTolerance", "type": "uint256"}],
		 "outputs": [{"name": "", "type": "int256"}]}
	]`)

	erc20ABI = mustParse("erc20", `[
		{"name": "balanceOf", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "owner", "type": "address"}], "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "allowance", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "owner", "type": "address"}, {"name": "spender", "type": "address"}],
		 "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "approve", "type": "function", "stateMutability": "nonpayable",
		 "inputs": [{"name": "spender", "type": "address"}, {"name": "amount", "type": "uint256"}],
		 "outputs": [{"name": "", "type": "bool"}]}
	]`)

	spotABI = mustParse("spot market", `[
		{"name": "buy", "type": "function", "stateMutability": "nonpayable",
		 "inputs": [
			{"name": "marketId", "type": "uint128"},
			{"name": "usdAmount", "type": "uint256"},
			{"name": "minAmountReceived", "type": "uint256"},
			{"name": "referrer", "type": "address"}
		 ],
		 "outputs": [{"name": "synthAmount", "type": "uint256"}, {"name": "fees", "type": "tuple", "components": [
			{"name": "fixedFees", "type": "uint256"},
			{"name": "utilizationFees", "type": "uint256"},
			{"name": "skewFees", "type": "int256"},
			{"name": "wrapperFees", "type": "int256"}
		 ]}]},
		{"name": "unwrap", "type": "function", "stateMutability": "nonpayable",
		 "inputs": [
			{"name": "marketId", "type": "uint128"},
			{"name": "unwrapAmount", "type": "uint256"},
			{"name": "minAmountReceived", "type": "uint256"}
		 ],
		 "outputs": [{"name": "returnCollateralAmount", "type": "uint256"}, {"name": "fees", "type": "tuple", "components": [
			{"name": "fixedFees", "type": "uint256"},
			{"name": "utilizationFees", "type": "uint256"},
			{"name": "skewFees", "type": "int256"},
			{"name": "wrapperFees", "type": "int256"}
		 ]}]}
	]`)

	wethABI = mustParse("weth", `[
		{"name": "withdraw", "type": "function", "stateMutability": "nonpayable",
		 "inputs": [{"name": "wad", "type": "uint256"}], "outputs": []}
	]`)
}
