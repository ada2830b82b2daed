package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

var typeItems = map[string]any{
	"type": "string",
	"enum": []string{"color", "spacing", "typography", "shadow", "border", "opacity", "size", "other"},
}

func getTokensTool() mcp.Tool {
	return mcp.NewTool(
		"get_tokens",
		mcp.WithDescription("Returns cached design tokens for the given types. Omit types for all of them."),
		mcp.WithArray("types",
			mcp.Description("Token types to read"),
			mcp.Items(typeItems),
		),
	)
}

func listTokenTypesTool() mcp.Tool {
	return mcp.NewTool(
		"list_token_types",
		mcp.WithDescription("Lists token types with the number of cached tokens of each"),
	)
}

func preloadTokensTool() mcp.Tool {
	return mcp.NewTool(
		"preload_tokens",
		mcp.WithDescription("Replays cached tokens of the given types to active subscribers"),
		mcp.WithArray("types",
			mcp.Required(),
			mcp.Description("Token types to preload"),
			mcp.Items(typeItems),
		),
	)
}

func processTokensTool() mcp.Tool {
	return mcp.NewTool(
		"process_tokens",
		mcp.WithDescription("Validates and ingests raw token values keyed by token id"),
		mcp.WithObject("tokens",
			mcp.Required(),
			mcp.Description(`Map of id to {"value", "type", "category", "description"}`),
		),
	)
}
