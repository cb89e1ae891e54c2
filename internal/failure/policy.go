package failure

import (
	"time"
)

// Decision is what the queue engine does with a failed task
type Decision struct {
	Retry          bool
	Delay          time.Duration
	ConsumesBudget bool
}

// Policy computes retry decisions per class. Base is retry.base_seconds,
// MaxAttempts the generic budget.
type Policy struct {
	Base        time.Duration
	MaxAttempts int
}

func NewPolicy(baseSeconds, maxAttempts int) *Policy {
	return &Policy{
		Base:        time.Duration(baseSeconds) * time.Second,
		MaxAttempts: maxAttempts,
	}
}

const backoffCeiling = 300 * time.Second

// expBackoff returns base*2^n capped at the ceiling
func (p *Policy) expBackoff(n int) time.Duration {
	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= backoffCeiling {
			return backoffCeiling
		}
	}
	if d > backoffCeiling {
		d = backoffCeiling
	}
	return d
}

// Decide maps (class, attempt-so-far, server wait) to a retry decision.
// retryCount is the number of attempts already failed for budgeted classes.
// Rate-limit waits are honored exactly and never consume budget.
func (p *Policy) Decide(class Class, retryCount int, wait time.Duration) Decision {
	switch class {
	case ClassRateLimit:
		return Decision{Retry: true, Delay: wait, ConsumesBudget: false}

	case ClassDNS, ClassNetwork, ClassHTTPStatus, ClassIncomplete:
		if retryCount >= p.MaxAttempts {
			return Decision{}
		}
		return Decision{Retry: true, Delay: p.expBackoff(retryCount), ConsumesBudget: true}

	case ClassStall:
		if retryCount >= p.MaxAttempts {
			return Decision{}
		}
		// First stall retries after the base delay, then doubles
		d := p.Base
		for i := 1; i < retryCount+1; i++ {
			d *= 2
			if d >= backoffCeiling {
				d = backoffCeiling
				break
			}
		}
		return Decision{Retry: true, Delay: d, ConsumesBudget: true}

	case ClassNormalizeTimeout:
		// Small budget; a second timeout on the same input is a lost cause
		if retryCount >= 2 || retryCount >= p.MaxAttempts {
			return Decision{}
		}
		return Decision{Retry: true, Delay: p.expBackoff(retryCount), ConsumesBudget: true}

	case ClassIntegrity:
		// One immediate retry, restarting from zero
		if retryCount >= 1 {
			return Decision{}
		}
		return Decision{Retry: true, Delay: 0, ConsumesBudget: true}

	case ClassPhotoTooLarge:
		if retryCount >= p.MaxAttempts {
			return Decision{}
		}
		return Decision{Retry: true, Delay: 0, ConsumesBudget: true}

	case ClassAuth:
		// The task goes back to the head of its stage; the stage gate stays
		// closed until the re-auth hook clears, so this cannot spin.
		return Decision{Retry: true, Delay: 0, ConsumesBudget: false}

	case ClassMediaInvalid, ClassCanceled, ClassPermanent:
		// MEDIA_INVALID is transformed (split & defer) by the uploader and
		// CANCELED is put back at the head of its stage by the engine before
		// the policy is consulted. Neither retries in place.
		return Decision{}
	}
	return Decision{}
}

// Retryable reports whether a class is ever retried in place
func Retryable(class Class) bool {
	switch class {
	case ClassRateLimit, ClassDNS, ClassNetwork, ClassStall, ClassHTTPStatus,
		ClassIncomplete, ClassNormalizeTimeout, ClassIntegrity, ClassPhotoTooLarge,
		ClassAuth:
		return true
	}
	return false
}
