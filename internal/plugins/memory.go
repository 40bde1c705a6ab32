package plugins

import (
	"context"
	"errors"

	"gokernel/internal/kernel"
	"gokernel/internal/memory"
)

const defaultRecallLimit = 1

type recallArgs struct {
	Collection string  `json:"collection" jsonschema:"memory collection to search"`
	Query      string  `json:"query" jsonschema:"what to look for"`
	Limit      int     `json:"limit,omitempty" jsonschema:"maximum number of memories to return, default 1"`
	MinScore   float64 `json:"min_score,omitempty" jsonschema:"minimum relevance between 0 and 1, default 0.7"`
}

type saveArgs struct {
	Collection string `json:"collection" jsonschema:"memory collection to write to"`
	Text       string `json:"text" jsonschema:"the information to remember"`
	Key        string `json:"key,omitempty" jsonschema:"optional identifier; generated when empty"`
}

// Memory returns the plugin that lets a model recall and save facts.
func Memory(mem *memory.TextMemory) (*kernel.Plugin, error) {
	if mem == nil {
		return nil, errors.New("text memory must not be nil")
	}

	recall, err := kernel.NewFunction("recall", "Recalls stored memories semantically related to the query.",
		func(ctx context.Context, args recallArgs) (any, error) {
			limit := args.Limit
			if limit <= 0 {
				limit = defaultRecallLimit
			}
			minScore := args.MinScore
			if minScore == 0 {
				minScore = memory.DefaultMinScore
			}
			items, err := mem.Search(ctx, args.Collection, args.Query, limit, minScore)
			if err != nil {
				return nil, err
			}
			if len(items) == 0 {
				return "No relevant memories found.", nil
			}
			if len(items) == 1 {
				return items[0].Text, nil
			}
			texts := make([]string, 0, len(items))
			for _, item := range items {
				texts = append(texts, item.Text)
			}
			return texts, nil
		})
	if err != nil {
		return nil, err
	}

	save, err := kernel.NewFunction("save", "Saves information to memory so it can be recalled later.",
		func(ctx context.Context, args saveArgs) (any, error) {
			key, err := mem.Save(ctx, args.Collection, args.Key, args.Text, nil)
			if err != nil {
				return nil, err
			}
			return "Saved with key " + key, nil
		})
	if err != nil {
		return nil, err
	}

	return kernel.NewPlugin("memory", "Long term semantic memory.", recall, save)
}
