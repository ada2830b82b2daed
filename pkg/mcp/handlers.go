package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gnana997/tokensync/pkg/tokens"
)

type typesInput struct {
	Types []string `json:"types"`
}

type processInput struct {
	Tokens map[string]tokens.TokenValue `json:"tokens"`
}

type typeCount struct {
	Type  tokens.TokenType `json:"type"`
	Count int              `json:"count"`
}

type processResult struct {
	Processed int      `json:"processed"`
	IDs       []string `json:"ids"`
}

type preloadResult struct {
	Types  []tokens.TokenType `json:"types"`
	Cached int                `json:"cached"`
}

func (s *Server) handleGetTokens(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input typesInput
	if err := req.BindArguments(&input); err != nil {
		return mcp.NewToolResultErrorFromErr("invalid get_tokens arguments", err), nil
	}

	types, err := parseTypes(input.Types)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(types) == 0 {
		types = tokens.AllTypes()
	}

	return jsonResult(s.tokens.GetTokens(ctx, types))
}

func (s *Server) handleListTokenTypes(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := s.tokens.GetTokens(ctx, tokens.AllTypes())

	out := make([]typeCount, 0, len(tokens.AllTypes()))
	for _, t := range tokens.AllTypes() {
		out = append(out, typeCount{Type: t, Count: state.Filter(t).Len()})
	}
	return jsonResult(out)
}

func (s *Server) handlePreloadTokens(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input typesInput
	if err := req.BindArguments(&input); err != nil {
		return mcp.NewToolResultErrorFromErr("invalid preload_tokens arguments", err), nil
	}

	types, err := parseTypes(input.Types)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(types) == 0 {
		return mcp.NewToolResultError("types is required"), nil
	}

	s.tokens.PreloadTokens(ctx, types)
	cached := s.tokens.GetTokens(ctx, types).Len()
	return jsonResult(preloadResult{Types: types, Cached: cached})
}

func (s *Server) handleProcessTokens(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input processInput
	if err := req.BindArguments(&input); err != nil {
		return mcp.NewToolResultErrorFromErr("invalid process_tokens arguments", err), nil
	}
	if len(input.Tokens) == 0 {
		return mcp.NewToolResultError("tokens is required"), nil
	}
	if errs := tokens.ValidateValues(input.Tokens); len(errs) > 0 {
		return mcp.NewToolResultError(errors.Join(errs...).Error()), nil
	}

	state := s.tokens.ProcessTokens(input.Tokens)
	return jsonResult(processResult{Processed: state.Len(), IDs: state.IDs()})
}

// parseTypes rejects unknown type names so a typo is not read as a miss.
func parseTypes(names []string) ([]tokens.TokenType, error) {
	types := tokens.ParseTypes(names)
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("unknown token type %q", t)
		}
	}
	return types, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
