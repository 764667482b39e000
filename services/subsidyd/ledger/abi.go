package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// SubsidyABI is the interface of the deployed subsidy contract.
const SubsidyABI = `[
	{"inputs": [], "stateMutability": "nonpayable", "type": "constructor"},
	{"anonymous": false, "inputs": [{"indexed": true, "internalType": "address", "name": "vendorAddress", "type": "address"}, {"indexed": false, "internalType": "uint256", "name": "newProgress", "type": "uint256"}, {"indexed": false, "internalType": "uint256", "name": "totalProgress", "type": "uint256"}], "name": "ProgressUpdated", "type": "event"},
	{"anonymous": false, "inputs": [{"indexed": true, "internalType": "address", "name": "vendorAddress", "type": "address"}, {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}], "name": "SubsidyPaid", "type": "event"},
	{"inputs": [{"internalType": "address", "name": "_producerAddress", "type": "address"}, {"internalType": "uint256", "name": "_milestoneGoal", "type": "uint256"}, {"internalType": "uint256", "name": "_rewardAmount", "type": "uint256"}], "name": "addVendor", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
	{"inputs": [], "name": "depositSubsidy", "outputs": [], "stateMutability": "payable", "type": "function"},
	{"inputs": [], "name": "government", "outputs": [{"internalType": "address", "name": "", "type": "address"}], "stateMutability": "view", "type": "function"},
	{"inputs": [{"internalType": "address", "name": "_vendorAddress", "type": "address"}, {"internalType": "uint256", "name": "_newProgress", "type": "uint256"}], "name": "updateProgress", "outputs": [], "stateMutability": "nonpayable", "type": "function"},
	{"inputs": [{"internalType": "address", "name": "", "type": "address"}], "name": "vendors", "outputs": [{"internalType": "address", "name": "producerAddress", "type": "address"}, {"internalType": "uint256", "name": "milestoneGoal", "type": "uint256"}, {"internalType": "uint256", "name": "currentProgress", "type": "uint256"}, {"internalType": "uint256", "name": "rewardAmount", "type": "uint256"}, {"internalType": "bool", "name": "isPaid", "type": "bool"}, {"internalType": "bool", "name": "isActive", "type": "bool"}], "stateMutability": "view", "type": "function"},
	{"inputs": [], "name": "withdrawSubsidy", "outputs": [], "stateMutability": "nonpayable", "type": "function"}
]`

// Contract method names.
const (
	MethodAddVendor      = "addVendor"
	MethodUpdateProgress = "updateProgress"
	MethodVendors        = "vendors"
	MethodGovernment     = "government"
)

// ParseABI parses SubsidyABI.
func ParseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(SubsidyABI))
}
