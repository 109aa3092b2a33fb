package statedb

// Flags is a bit field representing the lifecycle state of a state record.
type Flags byte

const (
	// FlagFunctional indicates the header is well-formed and its proof
	// of work verified.
	FlagFunctional Flags = 1 << iota

	// FlagReachable indicates an unbroken chain of Functional ancestors
	// back to genesis.
	FlagReachable

	// FlagActive indicates the record is currently on the canonical
	// chain.
	FlagActive

	// FlagHasBody indicates the block body has been stored and not yet
	// erased.
	FlagHasBody
)

// IsFunctional returns whether the Functional flag is set.
func (f Flags) IsFunctional() bool { return f&FlagFunctional != 0 }

// IsReachable returns whether the Reachable flag is set.
func (f Flags) IsReachable() bool { return f&FlagReachable != 0 }

// IsActive returns whether the Active flag is set.
func (f Flags) IsActive() bool { return f&FlagActive != 0 }

// HasBody returns whether the record still holds its block body.
func (f Flags) HasBody() bool { return f&FlagHasBody != 0 }
