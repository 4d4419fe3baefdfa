package receiver

import "github.com/prometheus/client_golang/prometheus"

var messagesReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swarmchat_receiver_messages_total",
		Help: "Number of received envelopes by kind and result",
	},
	[]string{"kind", "result"},
)

func init() {
	prometheus.MustRegister(messagesReceived)
}
