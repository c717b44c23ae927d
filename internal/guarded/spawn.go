package guarded

import (
	"errors"
	"fmt"
	"strconv"
)

// Spawn context is handed to the guarded instance through its environment
const (
	EnvSpawnToken    = "CRASHGUARD_SPAWN_TOKEN"
	EnvRestartCount  = "CRASHGUARD_RESTART_COUNT"
	EnvSupervisorPID = "CRASHGUARD_SUPERVISOR_PID"
)

// ErrNotSupervised means this instance lost the role race but was not
// launched by the supervisor, e.g. a user started the binary twice
var ErrNotSupervised = errors.New("instance was not launched by its supervisor")

// SpawnContext is what the supervisor tells a child about its launch
type SpawnContext struct {
	Token         string
	RestartCount  uint64
	SupervisorPID int
}

// Env renders the spawn context as environment entries
func (sc SpawnContext) Env() []string {
	return []string{
		EnvSpawnToken + "=" + sc.Token,
		EnvRestartCount + "=" + strconv.FormatUint(sc.RestartCount, 10),
		EnvSupervisorPID + "=" + strconv.Itoa(sc.SupervisorPID),
	}
}

// SpawnContextFromEnv reads the spawn context with getenv
func SpawnContextFromEnv(getenv func(string) string) (SpawnContext, error) {
	sc := SpawnContext{Token: getenv(EnvSpawnToken)}
	if sc.Token == "" {
		return SpawnContext{}, ErrNotSupervised
	}

	if v := getenv(EnvRestartCount); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return SpawnContext{}, fmt.Errorf("parsing %s: %w", EnvRestartCount, err)
		}
		sc.RestartCount = n
	}
	if v := getenv(EnvSupervisorPID); v != "" {
		pid, err := strconv.Atoi(v)
		if err != nil {
			return SpawnContext{}, fmt.Errorf("parsing %s: %w", EnvSupervisorPID, err)
		}
		sc.SupervisorPID = pid
	}
	return sc, nil
}
