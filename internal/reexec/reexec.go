// Package reexec carries a ContainerConfig and its already-parsed volume
// mounts across a re-exec boundary (BuildUnshareHop/BuildPID1Hop replace
// the process image, so environment variables are the only channel left
// to hand data to the next hop). Mounts travel alongside the config
// rather than being re-derived from ContainerConfig.Volumes so that
// anonymous volume directories (named with a fresh uuid at parse time)
// are created exactly once, by the orchestrator, and every hop binds the
// same concrete paths it cleans up later.
package reexec

import (
	"encoding/json"
	"os"

	"github.com/corerun/corerun/internal/config"
	"github.com/corerun/corerun/internal/containererr"
	"github.com/corerun/corerun/internal/volume"
)

// EnvPayload is the environment variable name the parent sets and every
// re-exec hop reads.
const EnvPayload = "CORERUN_PAYLOAD_JSON"

// Payload is the full state a re-exec'd hop needs to finish the job.
type Payload struct {
	Config *config.ContainerConfig
	Mounts []volume.Mount
}

// Encode renders cfg/mounts as the CORERUN_PAYLOAD_JSON value.
func Encode(cfg *config.ContainerConfig, mounts []volume.Mount) (string, error) {
	blob, err := json.Marshal(Payload{Config: cfg, Mounts: mounts})
	if err != nil {
		return "", containererr.InvalidConfiguration("encode re-exec payload: " + err.Error())
	}
	return string(blob), nil
}

// Decode reads the payload back from the environment in a re-exec'd
// hidden subcommand.
func Decode() (*Payload, error) {
	raw := os.Getenv(EnvPayload)
	if raw == "" {
		return nil, containererr.InvalidConfiguration("missing " + EnvPayload)
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, containererr.InvalidConfiguration("decode re-exec payload: " + err.Error())
	}
	return &p, nil
}
