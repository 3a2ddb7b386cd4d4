package auth

import "time"

// LockoutPolicy controls automatic account lockout after consecutive failures.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultLockoutPolicy locks for 30 minutes after 5 failures.
var DefaultLockoutPolicy = LockoutPolicy{Threshold: 5, Duration: 30 * time.Minute}

// Normalized fills unset fields from DefaultLockoutPolicy.
func (p LockoutPolicy) Normalized() LockoutPolicy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultLockoutPolicy.Threshold
	}
	if p.Duration <= 0 {
		p.Duration = DefaultLockoutPolicy.Duration
	}
	return p
}

// Apply computes the state after one more failure. An open lock is left untouched
// and reported with changed=false. An expired lock restarts the count.
func (p LockoutPolicy) Apply(current LoginState, now time.Time) (next LoginState, changed bool) {
	p = p.Normalized()
	if current.LockedUntil != nil && now.Before(*current.LockedUntil) {
		return current, false
	}
	attempts := current.FailedAttempts
	if current.LockedUntil != nil {
		attempts = 0
	}
	attempts++
	next = LoginState{FailedAttempts: attempts}
	if attempts >= p.Threshold {
		until := now.Add(p.Duration)
		next.LockedUntil = &until
	}
	return next, true
}

// Locked reports whether state holds an open lock at now.
func (s LoginState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}
