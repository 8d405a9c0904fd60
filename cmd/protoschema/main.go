package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

// wireCatalog groups every message payload under one schema document so
// server implementations and editor tooling can validate traffic captures.
type wireCatalog struct {
	Envelope          proto.Envelope          `json:"envelope" jsonschema:"description=Versioned wire envelope wrapping every message"`
	Authenticate      proto.AuthRequest       `json:"authenticate"`
	AuthSuccess       proto.AuthSuccess       `json:"auth_success"`
	AuthFailed        proto.AuthFailed        `json:"auth_failed"`
	Ping              proto.Ping              `json:"ping"`
	Pong              proto.Pong              `json:"pong"`
	PlayerJoin        proto.PlayerJoin        `json:"player_join"`
	PlayerLeave       proto.PlayerLeave       `json:"player_leave"`
	LobbyCreate       proto.LobbyCreate       `json:"lobby_create"`
	LobbyJoin         proto.LobbyJoin         `json:"lobby_join"`
	LobbyReady        proto.LobbyReady        `json:"lobby_ready"`
	LobbyUpdate       proto.LobbyUpdate       `json:"lobby_update"`
	MatchmakingEnter  proto.MatchmakingEnter  `json:"matchmaking_enter"`
	MatchmakingCancel proto.MatchmakingCancel `json:"matchmaking_cancel"`
	MatchmakingUpdate proto.MatchmakingUpdate `json:"matchmaking_update"`
	MatchFound        proto.MatchFound        `json:"match_found"`
	MatchStart        proto.MatchStart        `json:"match_start"`
	Chat              proto.Chat              `json:"chat"`
	Ack               proto.Ack               `json:"ack"`
	Input             proto.InputFrame        `json:"input"`
	StateSnapshot     proto.StateSnapshot     `json:"state_snapshot"`
	KeyframeRequest   proto.KeyframeRequest   `json:"keyframe_request"`
	KeyframeNack      proto.KeyframeNack      `json:"keyframe_nack"`
	ResyncRequest     proto.ResyncRequest     `json:"resync_request"`
}

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	schema := buildSchema()

	if err := writeSchema(outPath, schema); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(wireCatalog))
	schema.Title = "Netcode Wire Protocol"
	schema.Description = "Validates control-plane and gameplay-plane messages exchanged with the authority"
	return schema
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
