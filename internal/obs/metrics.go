package obs

import "go.opentelemetry.io/otel/metric"

// Instruments holds the OTel metric instruments.
type Instruments struct {
	RunDuration      metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ActiveRuns       metric.Int64UpDownCounter
	LoopIterations   metric.Int64Counter
	MCPRejections    metric.Int64Counter
}

// NewInstruments creates every instrument from the given meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	m := &Instruments{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("microclaw.run.duration",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("microclaw.llm.duration",
		metric.WithDescription("Provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("microclaw.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("microclaw.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("microclaw.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("microclaw.run.active",
		metric.WithDescription("Currently active agent runs"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopIterations, err = meter.Int64Counter("microclaw.loop.iterations",
		metric.WithDescription("Agent loop iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.MCPRejections, err = meter.Int64Counter("microclaw.mcp.rejections",
		metric.WithDescription("MCP calls rejected by the reliability guard"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
