package sandbox

import (
	"encoding/json"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// deepCopyValue implements the payload-copy rule at the sandbox
// boundary: every value crossing into or out of a Sandbox is copied
// so neither side can observe the other's subsequent mutations or
// smuggle a live reference across. A total serializer (JSON
// round-trip) is used rather than a partial deep-copy, and values it
// cannot represent (cyclic graphs, channels, funcs) are rejected
// explicitly rather than silently truncated.
func deepCopyValue(pluginID string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, secplugin.NewRuntimeError(secplugin.KindUnserializable, pluginID,
			"value cannot cross sandbox boundary: "+err.Error(), err)
	}

	var copied any
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, secplugin.NewRuntimeError(secplugin.KindUnserializable, pluginID,
			"value cannot be reconstructed after copy: "+err.Error(), err)
	}
	return copied, nil
}
