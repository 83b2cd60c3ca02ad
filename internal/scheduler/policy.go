package scheduler

import "time"

// Policy holds the tunable weights of the composite priority function. The
// key is a signed value and lower keys are served first, so bonuses subtract
// and penalties add:
//
//	key = base - dependents*CriticalPathWeight
//	           - ageSeconds*WaitWeight
//	           - confidence*ConfidenceWeight
//	           + attempts*RetryWeight
//
// The weight magnitudes are tunable; the signs are a contract. Dependents,
// age, and confidence must lower the key (starvation avoidance, critical-path
// bias) and retries must raise it (deprioritize repeatedly failing tasks).
type Policy struct {
	CriticalPathWeight float64 // per direct dependent
	WaitWeight         float64 // per second since creation
	ConfidenceWeight   float64 // per unit of confidence in [0,1]
	RetryWeight        float64 // per failed attempt
}

// DefaultPolicy returns the stock weighting.
func DefaultPolicy() Policy {
	return Policy{
		CriticalPathWeight: 2.0,
		WaitWeight:         0.01,
		ConfidenceWeight:   1.0,
		RetryWeight:        5.0,
	}
}

// Key computes the composite priority key for a node.
func (p Policy) Key(base float64, dependents int, age time.Duration, confidence float64, attempts int) float64 {
	key := base
	key -= float64(dependents) * p.CriticalPathWeight
	key -= age.Seconds() * p.WaitWeight
	key -= confidence * p.ConfidenceWeight
	key += float64(attempts) * p.RetryWeight
	return key
}
