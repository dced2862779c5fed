package link

import "math/big"

// ContainerState is the mutable state a container's membrane validates
// against: last committed hash, the next expected sequence, and the running
// physics balance (spec §3 "Container state").
type ContainerState struct {
	ContainerID     string
	LastHash        string
	NextSequence    uint64
	PhysicalBalance *big.Int
}

// Genesis returns the initial state of a freshly created container, per
// spec §8 scenario S1 and the genesis convention frozen in DESIGN.md.
func Genesis(containerID string) *ContainerState {
	return &ContainerState{
		ContainerID:     containerID,
		LastHash:        GenesisPreviousHash,
		NextSequence:    InitialSequence,
		PhysicalBalance: big.NewInt(0),
	}
}
