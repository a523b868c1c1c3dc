package topology

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/Meander-Cloud/go-framelock/config"
)

type Role uint8

const (
	RoleInvalid Role = 0
	RoleMaster  Role = 1
	RoleClient  Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleInvalid:
		return "Invalid Role"
	case RoleMaster:
		return "Master"
	case RoleClient:
		return "Client"
	default:
		return "Unknown Role"
	}
}

// NodeDescriptor is immutable once the registry has been built.
type NodeDescriptor struct {
	Index    int
	Address  string
	SyncPort int
	DataPort int // zero when the node has no data transfer channel
	Role     Role
}

func (n *NodeDescriptor) HasDataPort() bool {
	return n.DataPort != 0
}

func (n *NodeDescriptor) SyncEndpoint() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(n.SyncPort))
}

func (n *NodeDescriptor) String() string {
	return fmt.Sprintf("node%d(%s)<%s>", n.Index, n.Role, n.SyncEndpoint())
}

type Registry struct {
	nodes  []NodeDescriptor
	master int
}

func NewRegistry(nodes []NodeDescriptor) (*Registry, error) {
	if len(nodes) == 0 {
		err := fmt.Errorf("empty node list")
		log.Printf("%s", err.Error())
		return nil, err
	}

	r := &Registry{
		nodes:  make([]NodeDescriptor, len(nodes)),
		master: -1,
	}

	endpoints := make(map[string]int)
	checkEndpoint := func(index int, address string, port int) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("node%d: invalid port=%d", index, port)
		}
		endpoint := net.JoinHostPort(strings.ToLower(address), strconv.Itoa(port))
		owner, found := endpoints[endpoint]
		if found {
			return fmt.Errorf("node%d: endpoint=%s already used by node%d", index, endpoint, owner)
		}
		endpoints[endpoint] = index
		return nil
	}

	for position, node := range nodes {
		if node.Index != position {
			err := fmt.Errorf("node at position %d has index=%d, indexes must be dense and ordered", position, node.Index)
			log.Printf("%s", err.Error())
			return nil, err
		}

		if node.Address == "" {
			err := fmt.Errorf("node%d: empty address", node.Index)
			log.Printf("%s", err.Error())
			return nil, err
		}

		switch node.Role {
		case RoleMaster:
			if r.master >= 0 {
				err := fmt.Errorf("node%d: second master, node%d is already master", node.Index, r.master)
				log.Printf("%s", err.Error())
				return nil, err
			}
			r.master = node.Index
		case RoleClient:
		default:
			err := fmt.Errorf("node%d: invalid role=%s", node.Index, node.Role)
			log.Printf("%s", err.Error())
			return nil, err
		}

		err := checkEndpoint(node.Index, node.Address, node.SyncPort)
		if err != nil {
			log.Printf("%s", err.Error())
			return nil, err
		}

		if node.HasDataPort() {
			err = checkEndpoint(node.Index, node.Address, node.DataPort)
			if err != nil {
				log.Printf("%s", err.Error())
				return nil, err
			}
		}

		r.nodes[position] = node
	}

	if r.master < 0 {
		err := fmt.Errorf("no master among %d nodes", len(nodes))
		log.Printf("%s", err.Error())
		return nil, err
	}

	return r, nil
}

// FromConfig builds the registry from the configured node list.
func FromConfig(c *config.Config) (*Registry, error) {
	nodes := make([]NodeDescriptor, 0, len(c.Nodes))
	for index, n := range c.Nodes {
		role := RoleClient
		if n.Master {
			role = RoleMaster
		}

		nodes = append(
			nodes,
			NodeDescriptor{
				Index:    index,
				Address:  n.Address,
				SyncPort: int(n.SyncPort),
				DataPort: int(n.DataPort),
				Role:     role,
			},
		)
	}

	return NewRegistry(nodes)
}

func (r *Registry) Len() int {
	return len(r.nodes)
}

func (r *Registry) Node(index int) (*NodeDescriptor, bool) {
	if index < 0 || index >= len(r.nodes) {
		return nil, false
	}
	return &r.nodes[index], true
}

func (r *Registry) Master() *NodeDescriptor {
	return &r.nodes[r.master]
}

func (r *Registry) Clients() []*NodeDescriptor {
	clients := make([]*NodeDescriptor, 0, len(r.nodes)-1)
	for i := range r.nodes {
		if r.nodes[i].Role == RoleClient {
			clients = append(clients, &r.nodes[i])
		}
	}
	return clients
}

func (r *Registry) ClientIndexes() []int {
	indexes := make([]int, 0, len(r.nodes)-1)
	for _, n := range r.Clients() {
		indexes = append(indexes, n.Index)
	}
	return indexes
}

// ByAddress returns every node configured on address, several nodes may
// share a host when running locally.
func (r *Registry) ByAddress(address string) []*NodeDescriptor {
	var matches []*NodeDescriptor
	for i := range r.nodes {
		if strings.EqualFold(r.nodes[i].Address, address) {
			matches = append(matches, &r.nodes[i])
		}
	}
	return matches
}

// ResolveSelf picks the node whose address is one of localAddresses.
// It fails when no node or more than one node matches.
func (r *Registry) ResolveSelf(localAddresses []string) (*NodeDescriptor, error) {
	lowered := make([]string, 0, len(localAddresses))
	for _, a := range localAddresses {
		lowered = append(lowered, strings.ToLower(a))
	}

	var matches []*NodeDescriptor
	for i := range r.nodes {
		if slices.Contains(lowered, strings.ToLower(r.nodes[i].Address)) {
			matches = append(matches, &r.nodes[i])
		}
	}

	switch len(matches) {
	case 0:
		err := fmt.Errorf("no node matches local addresses %v", localAddresses)
		log.Printf("%s", err.Error())
		return nil, err
	case 1:
		return matches[0], nil
	default:
		err := fmt.Errorf("%d nodes match local addresses %v, node index must be configured", len(matches), localAddresses)
		log.Printf("%s", err.Error())
		return nil, err
	}
}

// LocalAddresses lists the host name, interface IPs and loopback names of this machine.
func LocalAddresses() []string {
	var addresses []string

	hostname, err := os.Hostname()
	if err == nil && hostname != "" {
		addresses = append(addresses, strings.ToLower(hostname))
	}

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Printf("failed to list interface addresses, err=%s", err.Error())
	}
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addresses = append(addresses, ipNet.IP.String())
	}

	addresses = append(addresses, "127.0.0.1", "localhost")

	slices.Sort(addresses)
	return slices.Compact(addresses)
}
