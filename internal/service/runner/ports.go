package runner

import (
	"fmt"
	"net"
	"strconv"

	"github.com/docker/go-connections/nat"
)

// PortStrategy selects how a backend's host port is chosen.
type PortStrategy string

const (
	// PortRuntime lets the container runtime bind a free host port when the
	// container starts. The process listens on a fixed internal port.
	PortRuntime PortStrategy = "runtime"
	// PortProbe binds an ephemeral port, releases it and publishes the
	// container on the same number. Another process may claim the port
	// between the release and the container start.
	PortProbe PortStrategy = "probe"
)

// ParsePortStrategy maps a config value to a strategy, defaulting to runtime.
func ParsePortStrategy(value string) PortStrategy {
	if PortStrategy(value) == PortProbe {
		return PortProbe
	}
	return PortRuntime
}

type portPlan struct {
	// listen is the port the process inside the sandbox binds.
	listen   int
	bindings nat.PortMap
}

func (p portPlan) containerPort() nat.Port {
	return nat.Port(strconv.Itoa(p.listen) + "/tcp")
}

func planPorts(strategy PortStrategy, internalPort int) (portPlan, error) {
	if strategy == PortProbe {
		port, err := probeFreePort()
		if err != nil {
			return portPlan{}, err
		}
		p := nat.Port(strconv.Itoa(port) + "/tcp")
		return portPlan{
			listen:   port,
			bindings: nat.PortMap{p: {{HostIP: "127.0.0.1", HostPort: strconv.Itoa(port)}}},
		}, nil
	}
	p := nat.Port(strconv.Itoa(internalPort) + "/tcp")
	return portPlan{
		listen:   internalPort,
		bindings: nat.PortMap{p: {{HostIP: "127.0.0.1"}}},
	}, nil
}

func probeFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("probe free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
