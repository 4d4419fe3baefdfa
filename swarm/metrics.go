package swarm

import "github.com/prometheus/client_golang/prometheus"

var nodeRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swarmchat_node_requests_total",
		Help: "Requests served by a storage node, by operation and result",
	},
	[]string{"op", "result"},
)

func init() {
	prometheus.MustRegister(nodeRequests)
}

func (op nodeOp) String() string {
	switch op {
	case opStore:
		return "store"
	case opFetch:
		return "fetch"
	default:
		return "unknown"
	}
}
