package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

type UUIDArgs struct {
	Count int `json:"count,omitempty" jsonschema:"minimum=1,maximum=100"`
}

// NewUUIDGenerator returns random v4 UUIDs. Its output is not
// reproducible, so replayed runs rely on the recorded result.
func NewUUIDGenerator() Tool {
	return NewTyped("uuid_generator", "Generate random UUIDs (v4).",
		func(ctx context.Context, in UUIDArgs) (any, error) {
			count := in.Count
			if count <= 0 {
				count = 1
			}
			if count > 100 {
				return nil, fmt.Errorf("count must be at most 100")
			}
			out := make([]string, count)
			for i := range out {
				out[i] = uuid.NewString()
			}
			return map[string]any{"uuids": out}, nil
		},
	)
}

type NoteArgs struct {
	Text string `json:"text" jsonschema_description:"Note to publish on the run stream."`
}

// NewNote publishes its argument as an assistant message on the run stream,
// tagged with the calling branch's label.
func NewNote() Tool {
	return NewTypedRuntime("note", "Publish a short progress note to whoever is watching the run.",
		func(ctx context.Context, rt Runtime, in NoteArgs) (any, error) {
			text := strings.TrimSpace(in.Text)
			if text == "" {
				return nil, fmt.Errorf("text is required")
			}
			msg := types.NewMessage(types.RoleAssistant, rt.Label(), &types.TextPart{State: types.StateDone, Text: text})
			if err := rt.Put(ctx, msg); err != nil {
				return nil, err
			}
			return map[string]any{"run_id": rt.RunID(), "published": true}, nil
		},
	)
}

// Builtins returns a catalog with the tools that ship with the runtime.
func Builtins() *Catalog {
	return MustCatalog(NewCalculator(), NewUUIDGenerator(), NewNote())
}
