package runtime

import (
	"github.com/agentflow/agentflow/internal/checkpoint"
	"github.com/agentflow/agentflow/internal/common/logger"
)

// BuiltinAgentNodeID is the single node of the default agent graph used when
// a turn arrives without a graph id.
const BuiltinAgentNodeID = "agent"

// NewBuiltinAgent compiles the default single-node agent runtime. It has no
// tools and no interrupts; behavior is entirely determined by the LLM params.
func NewBuiltinAgent(llm LLMClient, params LLMParams, store checkpoint.Store, log *logger.Logger) (*CompiledGraph, error) {
	nodes := []NodeSpec{{
		ID:   BuiltinAgentNodeID,
		Type: NodeTypeAgent,
		Name: "Assistant",
	}}
	return Compile("builtin", nodes, nil, llm, params, nil, store, log)
}
