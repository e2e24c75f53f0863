package store

// Key group prefixes. Every stored document key begins with
// [group, element] followed by the document identity.
const (
	TASK       = 0x01
	BUNDLE     = 0x02
	MINER      = 0x03
	POOL       = 0x04
	VALIDATOR  = 0x05
	SETTLEMENT = 0x06
	LEDGER     = 0x07
	PIPELINE   = 0x08
	OWNER      = 0x09
)

const (
	TASK_BY_ID = 0x00

	BUNDLE_CURRENT = 0x00
	BUNDLE_HISTORY = 0x01

	MINER_BY_WALLET = 0x00

	POOL_SCORE_BY_ADDRESS = 0x00
	POOL_REGISTRY         = 0x01

	VALIDATOR_BY_WALLET = 0x00

	SETTLEMENT_PENDING   = 0x00
	SETTLEMENT_SUBMITTED = 0x01
	SETTLEMENT_FAILED    = 0x02
	SETTLEMENT_CAUGHT    = 0x03

	LEDGER_LAST_HEIGHT = 0x00
	LEDGER_TX_HASH     = 0x01
	LEDGER_REWARD_LOG  = 0x02

	PIPELINE_RECEIVED = 0x00
	PIPELINE_SCORED   = 0x01
	PIPELINE_RELAY    = 0x02
	PIPELINE_HISTORY  = 0x03

	OWNER_ACCRUAL = 0x00
)
