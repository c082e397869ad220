package connection

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// metaProfile marks requests from the enriched variant so profile-aware
// servers can route them through their extension pipeline.
const metaProfile = "spring-ai"

// enrichedDecorator merges extension metadata into the outgoing params
// object. Params that are not a JSON object pass through untouched.
func enrichedDecorator(logger *zap.Logger) func(json.RawMessage) json.RawMessage {
	return func(params json.RawMessage) json.RawMessage {
		if len(params) == 0 {
			return params
		}
		var obj map[string]any
		if err := json.Unmarshal(params, &obj); err != nil {
			return params
		}
		meta, _ := obj["_meta"].(map[string]any)
		if meta == nil {
			meta = map[string]any{}
		}
		meta["profile"] = metaProfile
		obj["_meta"] = meta
		out, err := json.Marshal(obj)
		if err != nil {
			logger.Warn("params decoration failed", zap.Error(err))
			return params
		}
		return out
	}
}

// enrichedPostInit sends the initialized acknowledgement the enriched
// runtime waits for before serving tool calls.
func enrichedPostInit(ctx context.Context, caller rpcCaller) error {
	return caller.Notify(ctx, "notifications/initialized", json.RawMessage(`{}`))
}
