// Command cmdserver is a stdio MCP server used by the command transport
// test.
package main

import (
	"context"
	"log"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type textArgs struct {
	Text string `json:"text"`
}

func main() {
	server := sdk.NewServer(&sdk.Implementation{Name: "estella-test-tools", Version: "1.0.0"}, nil)
	sdk.AddTool(server, &sdk.Tool{Name: "shout", Description: "upper-case the text"}, func(ctx context.Context, req *sdk.CallToolRequest, args textArgs) (*sdk.CallToolResult, any, error) {
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: strings.ToUpper(args.Text)}}}, nil, nil
	})
	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		log.Printf("server exited: %v", err)
	}
}
