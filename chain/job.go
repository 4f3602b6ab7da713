package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Status mirrors JobRegistry's uint8 status enum.
type Status uint8

const (
	StatusSubmitted Status = iota
	StatusClaimed
	StatusRunning
	StatusProven
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "Submitted"
	case StatusClaimed:
		return "Claimed"
	case StatusRunning:
		return "Running"
	case StatusProven:
		return "Proven"
	case StatusTimedOut:
		return "TimedOut"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	return s == StatusProven || s == StatusTimedOut
}

// CanTransition reports whether the registry allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch next {
	case StatusClaimed:
		return s == StatusSubmitted
	case StatusRunning:
		return s == StatusClaimed
	case StatusProven:
		return s == StatusRunning
	case StatusTimedOut:
		return s == StatusSubmitted || s == StatusClaimed || s == StatusRunning
	}
	return false
}

type Job struct {
	ID         uint64
	Client     common.Address
	Worker     common.Address
	ModelRef   string
	DataRef    string
	WorkUnits  uint32
	TaskDigest common.Hash
	Bounty     *big.Int
	Deadline   uint64
	Status     Status
}

// JobSpec is the input of JobRegistry.submitJob.
type JobSpec struct {
	ModelRef   string
	DataRef    string
	WorkUnits  uint32
	TaskDigest common.Hash
	Bounty     *big.Int
}

type NodeMeta struct {
	GPUHash    common.Hash
	BenchScore *big.Int
	CreatedAt  uint64
}

// jobTuple is the ABI shape returned by getJob.
type jobTuple struct {
	Client     common.Address
	Worker     common.Address
	ModelRef   string
	DataRef    string
	WorkUnits  uint32
	TaskDigest [32]byte
	Bounty     *big.Int
	Deadline   uint64
	Status     uint8
}

func (t *jobTuple) job(id uint64) *Job {
	return &Job{
		ID:         id,
		Client:     t.Client,
		Worker:     t.Worker,
		ModelRef:   t.ModelRef,
		DataRef:    t.DataRef,
		WorkUnits:  t.WorkUnits,
		TaskDigest: t.TaskDigest,
		Bounty:     t.Bounty,
		Deadline:   t.Deadline,
		Status:     Status(t.Status),
	}
}
