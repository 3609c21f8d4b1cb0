package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/smart-tier/internal/controller"
	"github.com/ChuLiYu/smart-tier/internal/mover"
	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

// Client calls the control service of a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the control service at addr. The connection is
// established lazily on the first call.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// SubmitRule submits text in state (empty means ACTIVE) and returns the new id.
func (c *Client) SubmitRule(ctx context.Context, text string, state types.RuleState) (types.RuleID, error) {
	in, err := structpb.NewStruct(map[string]any{"text": text, "state": string(state)})
	if err != nil {
		return 0, err
	}
	out := &wrapperspb.Int64Value{}
	if err := c.invoke(ctx, "SubmitRule", in, out); err != nil {
		return 0, err
	}
	return types.RuleID(out.GetValue()), nil
}

// CheckRule validates text without submitting it.
func (c *Client) CheckRule(ctx context.Context, text string) error {
	return c.invoke(ctx, "CheckRule", wrapperspb.String(text), &emptypb.Empty{})
}

func (c *Client) GetRule(ctx context.Context, id types.RuleID) (types.RuleInfo, error) {
	var info types.RuleInfo
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "GetRule", wrapperspb.Int64(int64(id)), out); err != nil {
		return info, err
	}
	if err := decode(out.AsMap(), &info); err != nil {
		return info, err
	}
	return info, nil
}

func (c *Client) ListRules(ctx context.Context) ([]types.RuleInfo, error) {
	var infos []types.RuleInfo
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, "ListRules", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	if err := decode(out.AsSlice(), &infos); err != nil {
		return infos, err
	}
	return infos, nil
}

func (c *Client) DisableRule(ctx context.Context, id types.RuleID, dropPending bool) error {
	return c.invokeRuleRef(ctx, "DisableRule", id, dropPending)
}

func (c *Client) ActivateRule(ctx context.Context, id types.RuleID) error {
	return c.invoke(ctx, "ActivateRule", wrapperspb.Int64(int64(id)), &emptypb.Empty{})
}

func (c *Client) DeleteRule(ctx context.Context, id types.RuleID, dropPending bool) error {
	return c.invokeRuleRef(ctx, "DeleteRule", id, dropPending)
}

func (c *Client) invokeRuleRef(ctx context.Context, method string, id types.RuleID, dropPending bool) error {
	in, err := structpb.NewStruct(map[string]any{"id": float64(id), "drop_pending": dropPending})
	if err != nil {
		return err
	}
	return c.invoke(ctx, method, in, &emptypb.Empty{})
}

// ListCommands lists commands matching f, newest first.
func (c *Client) ListCommands(ctx context.Context, f store.CommandFilter) ([]types.CommandInfo, error) {
	in, err := structpb.NewStruct(map[string]any{"rule_id": float64(f.RuleID), "state": string(f.State)})
	if err != nil {
		return nil, err
	}
	var cmds []types.CommandInfo
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, "ListCommands", in, out); err != nil {
		return nil, err
	}
	if err := decode(out.AsSlice(), &cmds); err != nil {
		return cmds, err
	}
	return cmds, nil
}

func (c *Client) GetCommand(ctx context.Context, id types.CommandID) (types.CommandInfo, error) {
	var cmd types.CommandInfo
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "GetCommand", wrapperspb.Int64(int64(id)), out); err != nil {
		return cmd, err
	}
	if err := decode(out.AsMap(), &cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// ListTables lists access-count tables overlapping [start, end) in Unix
// milliseconds; end 0 means unbounded.
func (c *Client) ListTables(ctx context.Context, start, end int64) ([]types.AccessCountTable, error) {
	in, err := structpb.NewStruct(map[string]any{"start": float64(start), "end": float64(end)})
	if err != nil {
		return nil, err
	}
	var tables []types.AccessCountTable
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, "ListTables", in, out); err != nil {
		return nil, err
	}
	if err := decode(out.AsSlice(), &tables); err != nil {
		return tables, err
	}
	return tables, nil
}

// MoverStatus returns one mover task, or all of them when id is empty.
func (c *Client) MoverStatus(ctx context.Context, id string) ([]mover.Snapshot, error) {
	var snaps []mover.Snapshot
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, "MoverStatus", wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	if err := decode(out.AsSlice(), &snaps); err != nil {
		return snaps, err
	}
	return snaps, nil
}

func (c *Client) Status(ctx context.Context) (controller.Status, error) {
	var st controller.Status
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return st, err
	}
	if err := decode(out.AsMap(), &st); err != nil {
		return st, err
	}
	return st, nil
}

// decode 將 AsMap/AsSlice 的結果經由 JSON 轉回領域型別
func decode(v, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: decode: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("server: decode: %w", err)
	}
	return nil
}
