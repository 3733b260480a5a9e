package gateway

import (
	"encoding/json"
	"sort"

	"github.com/valyala/fasthttp"

	"github.com/relayforge/llm-gateway/pkg/apierr"
)

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`

	Providers     []string `json:"providers"`
	ContextWindow *int     `json:"context_window,omitempty"`

	SupportsToolCalling bool `json:"supports_tool_calling"`
	SupportsVision      bool `json:"supports_vision"`
	SupportsInputCache  bool `json:"supports_input_cache"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels serves GET /v1/models. Variants collapse into one entry per
// model_id: provider list, widest context window, union of capabilities.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	variants, err := g.catalog.AllVariants(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"model catalog unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	byID := make(map[string]*modelEntry)
	for i := range variants {
		v := &variants[i]
		e := byID[v.ModelID]
		if e == nil {
			e = &modelEntry{
				ID:      v.ModelID,
				Object:  "model",
				Created: v.CreatedAt.Unix(),
			}
			byID[v.ModelID] = e
		}

		e.Providers = append(e.Providers, v.Provider)
		e.SupportsToolCalling = e.SupportsToolCalling || v.SupportsToolCalling
		e.SupportsVision = e.SupportsVision || v.SupportsVision
		e.SupportsInputCache = e.SupportsInputCache || v.SupportsInputCache

		// nil context window means unlimited and wins the aggregation.
		if e.ContextWindow != nil {
			if v.ContextWindow == nil {
				e.ContextWindow = nil
			} else if *v.ContextWindow > *e.ContextWindow {
				e.ContextWindow = v.ContextWindow
			}
		} else if len(e.Providers) == 1 {
			e.ContextWindow = v.ContextWindow
		}
	}

	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(byID))}
	for _, e := range byID {
		sort.Strings(e.Providers)
		list.Data = append(list.Data, *e)
	}
	sort.Slice(list.Data, func(i, j int) bool { return list.Data[i].ID < list.Data[j].ID })

	body, err := json.Marshal(list)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
