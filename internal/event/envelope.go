package event

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for commands and the events they produce
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// assets
	EventTypeDeployAsset
	EventTypeMintAsset
	EventTypeApproveAsset
	EventTypeTransferAsset

	// investment vehicles
	EventTypeDeployVehicle
	EventTypeVehicleAddCreditor
	EventTypeVehicleRemoveCreditor
	EventTypeVehicleAddBeneficiary
	EventTypeVehicleRemoveBeneficiary
	EventTypeVehicleCollectProfit
	EventTypeVehicleClaimDividend
	EventTypeVehicleRugPull
	EventTypeVehicleFileInsuranceClaim
	EventTypeVehicleSetPumpReward

	// pools
	EventTypeDeployPool
	EventTypePoolInitialize
	EventTypePoolDeposit
	EventTypePoolWithdraw
	EventTypePoolInvestAll
	EventTypePoolInvestTo
	EventTypePoolWithdrawFromIV
	EventTypePoolWithdrawAllFromIV
	EventTypePoolCollectAndLong
	EventTypePoolMoveToLowestPriority
	EventTypePoolAddVehicle
	EventTypePoolRemoveVehicle
	EventTypePoolSetDepositCap
	EventTypePoolSetDepositEnabled
	EventTypePoolSetWithdrawFee
	EventTypePoolSetFeeRecipient
	EventTypePoolSetLendParams
	EventTypePoolSetRewardPool
	EventTypePoolSetLongSelfCompounding
	EventTypePoolAddWhitelist
	EventTypePoolRemoveWhitelist

	// insurance vaults
	EventTypeInsuranceAddClient
	EventTypeInsuranceRemoveClient
	EventTypeInsuranceProcessClaim

	// timelock registry
	EventTypeTimelockChangeDelay
	EventTypeTimelockEnableVault
	EventTypeTimelockAnnounceForVault
	EventTypeTimelockRemoveForVault
	EventTypeTimelockAnnounceGlobal
	EventTypeTimelockRemoveGlobal
	EventTypeTimelockAnnounceInsured
	EventTypeTimelockStopInsuring

	// swap center and reward pools
	EventTypeSwapSetRate
	EventTypeSwapExecute
	EventTypeDeployRewardPool
	EventTypeRewardAllowNotifier

	eventTypeCount
)

var eventTypeNames = [eventTypeCount]string{
	EventTypeUnknown:                    "Unknown",
	EventTypeDeployAsset:                "DeployAsset",
	EventTypeMintAsset:                  "MintAsset",
	EventTypeApproveAsset:               "ApproveAsset",
	EventTypeTransferAsset:              "TransferAsset",
	EventTypeDeployVehicle:              "DeployVehicle",
	EventTypeVehicleAddCreditor:         "VehicleAddCreditor",
	EventTypeVehicleRemoveCreditor:      "VehicleRemoveCreditor",
	EventTypeVehicleAddBeneficiary:      "VehicleAddBeneficiary",
	EventTypeVehicleRemoveBeneficiary:   "VehicleRemoveBeneficiary",
	EventTypeVehicleCollectProfit:       "VehicleCollectProfit",
	EventTypeVehicleClaimDividend:       "VehicleClaimDividend",
	EventTypeVehicleRugPull:             "VehicleRugPull",
	EventTypeVehicleFileInsuranceClaim:  "VehicleFileInsuranceClaim",
	EventTypeVehicleSetPumpReward:       "VehicleSetPumpReward",
	EventTypeDeployPool:                 "DeployPool",
	EventTypePoolInitialize:             "PoolInitialize",
	EventTypePoolDeposit:                "PoolDeposit",
	EventTypePoolWithdraw:               "PoolWithdraw",
	EventTypePoolInvestAll:              "PoolInvestAll",
	EventTypePoolInvestTo:               "PoolInvestTo",
	EventTypePoolWithdrawFromIV:         "PoolWithdrawFromIV",
	EventTypePoolWithdrawAllFromIV:      "PoolWithdrawAllFromIV",
	EventTypePoolCollectAndLong:         "PoolCollectAndLong",
	EventTypePoolMoveToLowestPriority:   "PoolMoveToLowestPriority",
	EventTypePoolAddVehicle:             "PoolAddVehicle",
	EventTypePoolRemoveVehicle:          "PoolRemoveVehicle",
	EventTypePoolSetDepositCap:          "PoolSetDepositCap",
	EventTypePoolSetDepositEnabled:      "PoolSetDepositEnabled",
	EventTypePoolSetWithdrawFee:         "PoolSetWithdrawFee",
	EventTypePoolSetFeeRecipient:        "PoolSetFeeRecipient",
	EventTypePoolSetLendParams:          "PoolSetLendParams",
	EventTypePoolSetRewardPool:          "PoolSetRewardPool",
	EventTypePoolSetLongSelfCompounding: "PoolSetLongSelfCompounding",
	EventTypePoolAddWhitelist:           "PoolAddWhitelist",
	EventTypePoolRemoveWhitelist:        "PoolRemoveWhitelist",
	EventTypeInsuranceAddClient:         "InsuranceAddClient",
	EventTypeInsuranceRemoveClient:      "InsuranceRemoveClient",
	EventTypeInsuranceProcessClaim:      "InsuranceProcessClaim",
	EventTypeTimelockChangeDelay:        "TimelockChangeDelay",
	EventTypeTimelockEnableVault:        "TimelockEnableVault",
	EventTypeTimelockAnnounceForVault:   "TimelockAnnounceForVault",
	EventTypeTimelockRemoveForVault:     "TimelockRemoveForVault",
	EventTypeTimelockAnnounceGlobal:     "TimelockAnnounceGlobal",
	EventTypeTimelockRemoveGlobal:       "TimelockRemoveGlobal",
	EventTypeTimelockAnnounceInsured:    "TimelockAnnounceInsured",
	EventTypeTimelockStopInsuring:       "TimelockStopInsuring",
	EventTypeSwapSetRate:                "SwapSetRate",
	EventTypeSwapExecute:                "SwapExecute",
	EventTypeDeployRewardPool:           "DeployRewardPool",
	EventTypeRewardAllowNotifier:        "RewardAllowNotifier",
}

func (et EventType) String() string {
	if et <= EventTypeUnknown || et >= eventTypeCount {
		return "Unknown"
	}
	return eventTypeNames[et]
}

// ParseEventType resolves a name produced by String.
func ParseEventType(name string) (EventType, error) {
	for i := EventTypeUnknown + 1; i < eventTypeCount; i++ {
		if eventTypeNames[i] == name {
			return i, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", name)
}

// AllEventTypes lists every known type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, eventTypeCount-1)
	for i := EventTypeUnknown + 1; i < eventTypeCount; i++ {
		out = append(out, i)
	}
	return out
}

func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

func (et *EventType) UnmarshalText(b []byte) error {
	parsed, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*et = parsed
	return nil
}

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Entity the command acted on (zero for global commands)
	Target common.Address

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// JSON-encoded operation result
	Result []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is what the core consumes.
type Event interface {
	IdempotencyKey() string
	EventType() EventType
	// TargetEntity returns the entity acted on (zero for global commands).
	TargetEntity() common.Address
	OccurredAt() time.Time
}
