package domain

import "encoding/json"

// WorkerOutcome is the reward decision for one worker.
type WorkerOutcome struct {
	RewardFraction  float64 `json:"rewardFraction"`
	ReputationDelta float64 `json:"reputationDelta"`
	Excluded        bool    `json:"excluded"`
	InMajority      bool    `json:"inMajority"`
}

// ConsensusResult is the aggregate decision over a task's submissions.
type ConsensusResult struct {
	TaskID         string                   `json:"taskId"`
	Reached        bool                     `json:"reached"`
	AgreedResult   json.RawMessage          `json:"agreedResult,omitempty"`
	AgreementRatio float64                  `json:"agreementRatio"`
	Outcomes       map[string]WorkerOutcome `json:"perWorkerOutcome"`
}
