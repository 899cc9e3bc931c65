package distributed

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"strings"
)

// Strategy picks the node that runs a distributed task.
type Strategy int32

const (
	// LoadBalanced picks the live peer with the lowest CPU load, provided it
	// is lower than this node's own.
	LoadBalanced Strategy = iota
	// RoundRobin rotates over the sorted node list, starting after self.
	RoundRobin
	// Random picks uniformly among live nodes including self.
	Random
	// Sticky hashes the task id onto the sorted node list so a task keeps
	// landing on the same node while membership is stable.
	Sticky
)

func (s Strategy) String() string {
	switch s {
	case LoadBalanced:
		return "LOAD_BALANCED"
	case RoundRobin:
		return "ROUND_ROBIN"
	case Random:
		return "RANDOM"
	case Sticky:
		return "STICKY"
	}
	return fmt.Sprintf("Strategy(%d)", int32(s))
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "", "LOAD_BALANCED":
		return LoadBalanced, nil
	case "ROUND_ROBIN":
		return RoundRobin, nil
	case "RANDOM":
		return Random, nil
	case "STICKY":
		return Sticky, nil
	}
	return 0, fmt.Errorf("unknown distribution strategy %q", s)
}

// pick applies s. peers must be live and sorted by id; cursor feeds the
// round-robin rotation.
func pick(s Strategy, self string, selfCPU float64, peers []ServerInfo, taskID string, cursor uint64) string {
	if len(peers) == 0 {
		return self
	}
	switch s {
	case LoadBalanced:
		best, lowest := self, selfCPU
		for _, p := range peers {
			if p.CPU < lowest {
				best, lowest = p.ID, p.CPU
			}
		}
		return best
	case RoundRobin:
		nodes := nodeList(self, peers)
		at, _ := slices.BinarySearch(nodes, self)
		return nodes[(at+1+int(cursor%uint64(len(nodes))))%len(nodes)]
	case Random:
		nodes := nodeList(self, peers)
		return nodes[rand.IntN(len(nodes))]
	case Sticky:
		nodes := nodeList(self, peers)
		h := fnv.New32a()
		_, _ = h.Write([]byte(taskID))
		return nodes[h.Sum32()%uint32(len(nodes))]
	}
	return self
}

func nodeList(self string, peers []ServerInfo) []string {
	nodes := make([]string, 0, len(peers)+1)
	nodes = append(nodes, self)
	for _, p := range peers {
		if p.ID != self {
			nodes = append(nodes, p.ID)
		}
	}
	slices.Sort(nodes)
	return nodes
}
