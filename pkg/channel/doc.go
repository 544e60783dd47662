/*
Package channel implements the persistent executor channel over gRPC.

Each executor holds one bidirectional stream on
/scanplane.v1.ExecutorChannel/Connect, authenticated by its registration
token in the "authorization" metadata ("Bearer <token>"). Frames in both
directions are google.protobuf.Struct envelopes whose "type" field selects
the payload:

	dispatch   control plane → executor   types.DispatchMessage
	heartbeat  executor → control plane   types.HeartbeatPayload
	result     executor → control plane   types.ResultPayload

While the stream is open the server publishes it in the session registry,
where the dispatch service finds it. A reconnect replaces the previous
stream; the old stream's teardown does not evict the new one.
*/
package channel
