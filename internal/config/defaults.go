package config

import "time"

// defaultTimeout is applied to a ServerDescriptor with no explicit Timeout.
const defaultTimeout = Duration(30 * time.Second)

// defaultHealthCheckInterval is the supervisor's liveness-ping cadence used
// when a descriptor leaves HealthCheckInterval unset.
const defaultHealthCheckInterval = Duration(30 * time.Second)
