package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type timeArgs struct {
	TimeZone string `json:"time_zone,omitempty" jsonschema:"IANA zone name, defaults to the server zone"`
}

type diceArgs struct {
	Sides int `json:"sides,omitempty" jsonschema:"faces per die, default 6"`
	Count int `json:"count,omitempty" jsonschema:"number of dice, default 1"`
}

// newServer registers the tools the chat backend may ask for by action
// name.
func newServer(defaultZone *time.Location, now func() time.Time, roll func(n int) int) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: "estella-tools", Version: "1.0.0"}, nil)

	sdk.AddTool(server, &sdk.Tool{Name: "current_time", Description: "Current date and time"},
		func(ctx context.Context, req *sdk.CallToolRequest, args timeArgs) (*sdk.CallToolResult, any, error) {
			loc := defaultZone
			if args.TimeZone != "" {
				l, err := time.LoadLocation(args.TimeZone)
				if err != nil {
					return errorResult(fmt.Sprintf("unknown time zone %q", args.TimeZone)), nil, nil
				}
				loc = l
			}
			return textResult(now().In(loc).Format("2006-01-02 15:04 MST (Mon)")), nil, nil
		})

	sdk.AddTool(server, &sdk.Tool{Name: "roll_dice", Description: "Roll dice and report the faces"},
		func(ctx context.Context, req *sdk.CallToolRequest, args diceArgs) (*sdk.CallToolResult, any, error) {
			sides, count := args.Sides, args.Count
			if sides == 0 {
				sides = 6
			}
			if count == 0 {
				count = 1
			}
			if sides < 2 || sides > 1000 || count < 1 || count > 20 {
				return errorResult("sides must be 2..1000 and count 1..20"), nil, nil
			}
			faces := make([]string, count)
			total := 0
			for i := range faces {
				v := roll(sides) + 1
				total += v
				faces[i] = fmt.Sprint(v)
			}
			return textResult(fmt.Sprintf("%s (total %d)", strings.Join(faces, ", "), total)), nil, nil
		})
	return server
}

func textResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}
}

func errorResult(text string) *sdk.CallToolResult {
	r := textResult(text)
	r.IsError = true
	return r
}

func randomRoll(n int) int { return rand.IntN(n) }
