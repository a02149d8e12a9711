package room

// Policy controls persistence and backfill for one room.
type Policy struct {
	// ShouldPersist enables dirty tracking and checkpoint flushes.
	ShouldPersist bool `yaml:"shouldPersist" json:"shouldPersist"`
	// AllowBackfillWhenAlone sends catch-up updates to a joining peer even
	// when nobody else is connected.
	AllowBackfillWhenAlone bool `yaml:"allowBackfillWhenAlone" json:"allowBackfillWhenAlone"`
}

func DefaultPolicy() Policy {
	return Policy{ShouldPersist: true, AllowBackfillWhenAlone: true}
}

// PolicySource resolves the policy for a room when it is loaded.
type PolicySource interface {
	Policy(key Key) Policy
}

type StaticPolicy Policy

func (p StaticPolicy) Policy(Key) Policy {
	return Policy(p)
}

type PolicyFunc func(key Key) Policy

func (f PolicyFunc) Policy(key Key) Policy {
	return f(key)
}
