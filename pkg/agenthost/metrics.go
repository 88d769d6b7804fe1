package agenthost

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAgentStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tide",
		Name:      "agent_starts_total",
		Help:      "Agent start attempts by result.",
	}, []string{"result"})
	metricPermissionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tide",
		Name:      "agent_permission_outcomes_total",
		Help:      "Permission request resolutions by outcome.",
	}, []string{"outcome"})
	metricTerminalsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tide",
		Name:      "agent_terminals_created_total",
		Help:      "Terminal commands created on behalf of the agent.",
	})
	metricActiveCommands = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tide",
		Name:      "agent_commands_active",
		Help:      "Managed terminal commands not yet released.",
	})
	metricCallbackErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tide",
		Name:      "agent_callback_errors_total",
		Help:      "Agent callback failures by method.",
	}, []string{"method"})
)
