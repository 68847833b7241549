// Package version exposes the build metadata of the quotaengine binaries.
// The variables are stamped at link time, for example:
//
//	go build -ldflags "-X quotaengine/internal/version.Version=v1.4.0 \
//	  -X quotaengine/internal/version.GitCommit=$(git rev-parse --short HEAD) \
//	  -X quotaengine/internal/version.BuildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Name is the service name reported in logs, traces and the health endpoint.
const Name = "quotaengine"

var (
	Version   = "unknown"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// Info is the build metadata plus the identity of this process.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var current = sync.OnceValue(func() Info {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return Info{
		Version:    Version,
		GitCommit:  GitCommit,
		BuildDate:  BuildDate,
		InstanceID: uuid.NewString(),
		Hostname:   hostname,
	}
})

// GetInfo returns the metadata of this process. The instance ID is generated
// once and stays stable for the life of the process.
func GetInfo() Info {
	return current()
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", Name, i.Version, i.GitCommit, i.BuildDate)
}
