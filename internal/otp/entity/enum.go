package entity

// PasscodeState is the lifecycle state of one passcode record.
type PasscodeState int16

const (
	// PasscodeStateNone is mean no live passcode exists for the key.
	PasscodeStateNone PasscodeState = 0

	// PasscodeStateActive mean the passcode is unused, unexpired, and still has attempts left.
	PasscodeStateActive PasscodeState = 1

	// PasscodeStateUsed mean the passcode was consumed by a successful verification.
	PasscodeStateUsed PasscodeState = 2

	// PasscodeStateExpired mean the passcode aged past its expiry without being consumed.
	PasscodeStateExpired PasscodeState = 3

	// PasscodeStateLocked mean the attempt budget is exhausted; terminal regardless of expiry.
	PasscodeStateLocked PasscodeState = 4
)

func (ps PasscodeState) String() string {
	switch ps {
	case PasscodeStateActive:
		return "Active"
	case PasscodeStateUsed:
		return "Used"
	case PasscodeStateExpired:
		return "Expired"
	case PasscodeStateLocked:
		return "Locked"
	default:
		return "None"
	}
}

// ThrottleScope selects which sliding-window budget a check counts against.
type ThrottleScope int16

const (
	// ThrottleScopeUser counts requests per user across all addresses.
	ThrottleScopeUser ThrottleScope = 1

	// ThrottleScopeIP counts requests per caller address across all users.
	ThrottleScopeIP ThrottleScope = 2
)

func (ts ThrottleScope) String() string {
	switch ts {
	case ThrottleScopeUser:
		return "user"
	case ThrottleScopeIP:
		return "ip"
	default:
		return "unknown"
	}
}
