// Package agentclient is the agent side of the dockhand poll API.
//
// Client wraps the HTTP endpoints an agent calls: register, heartbeat,
// fetch pending tasks, and report results. It also follows the WebSocket
// push stream. Runner builds the agent work loop on top of Client and hands
// each task to an Executor:
//
//	c := agentclient.New(agentclient.Options{BaseURL: url, AgentID: "edge-1"})
//	r := agentclient.NewRunner(c, exec, agentclient.RunnerConfig{UseStream: true}, logger)
//	err := r.Run(ctx)
//
// Each task is reported running before it executes and completed or failed
// afterwards. A task that another report already finished is skipped.
package agentclient
