package config

import "time"

// Duration accessors for the interval fields, which are stored as whole
// seconds in the TOML file.

func (w Workflow) JobPoll() time.Duration { return time.Duration(w.JobPollInterval) * time.Second }

func (w Workflow) RunPoll() time.Duration { return time.Duration(w.RunPollInterval) * time.Second }

func (w Workflow) ErrorRetry() time.Duration {
	return time.Duration(w.ErrorRetryInterval) * time.Second
}

func (w Workflow) Sweep() time.Duration { return time.Duration(w.SweepInterval) * time.Second }

func (w Workflow) Heartbeat() time.Duration {
	return time.Duration(w.HeartbeatInterval) * time.Second
}

func (w Workflow) Lease() time.Duration { return time.Duration(w.LeaseTimeout) * time.Second }

func (p Provider) Timeout() time.Duration { return time.Duration(p.TimeoutSeconds) * time.Second }

func (s Storage) SignTTL() time.Duration { return time.Duration(s.SignTTLSeconds) * time.Second }

func (n Notifications) Timeout() time.Duration {
	return time.Duration(n.RequestTimeout) * time.Second
}
