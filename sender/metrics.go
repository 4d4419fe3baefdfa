package sender

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/swarmchat/messaging"
)

var (
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmchat_sender_messages_total",
			Help: "Number of messages sent by destination and result",
		},
		[]string{"destination", "result"},
	)
	nodeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmchat_sender_node_results_total",
			Help: "Number of per-node publish results",
		},
		[]string{"result"},
	)
	keyRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmchat_sender_key_rotations_total",
			Help: "Number of closed group key pair rotations by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(nodeResults)
	prometheus.MustRegister(keyRotations)
}

func destinationLabel(d messaging.Destination) string {
	switch d.(type) {
	case messaging.Contact:
		return "contact"
	case messaging.ClosedGroup:
		return "closed_group"
	case messaging.OpenGroup:
		return "open_group"
	case messaging.OpenGroupInbox:
		return "open_group_inbox"
	default:
		return "unknown"
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
