package shapesync

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

type MutationType string

const (
	MutationInsert MutationType = "insert"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// MutationIntent is one local write against a mirrored collection: the full
// new row for inserts, a partial change-set for updates, just the key for
// deletes.
type MutationIntent struct {
	Type    MutationType
	Key     string
	Row     Row
	Changes map[string]any
}

// MutationResult aggregates the server-assigned transaction ids from one
// local transaction. Txids is empty when the source is fallback-locked:
// without push delivery there is no stream to correlate them against, so the
// gateway refreshes the poller instead.
type MutationResult struct {
	Txids []int64
}

type txidResponse struct {
	Txid int64 `json:"txid"`
}

type MutationSpec struct {
	Path string
}

type GatewayOptions struct {
	BaseURL    string
	Shape      Shape
	Spec       MutationSpec
	Tokens     TokenProvider
	HTTPClient *http.Client
	Runtime    *Runtime
	Snapshots  *SnapshotCache
	Logger     *zap.SugaredLogger
}

// Gateway translates local mutation intents into REST calls and reconciles
// the results with the current delivery mode of the source.
type Gateway struct {
	client    *apiClient
	path      string
	runtime   *Runtime
	snapshots *SnapshotCache
	logger    *zap.SugaredLogger
}

func NewGateway(opts GatewayOptions) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	path := opts.Spec.Path
	if path == "" {
		path = opts.Shape.MutationPath
	}
	return &Gateway{
		client:    newAPIClient(opts.BaseURL, opts.HTTPClient, opts.Tokens),
		path:      path,
		runtime:   opts.Runtime,
		snapshots: opts.Snapshots,
		logger:    logger,
	}
}

// Apply executes one local transaction's worth of intents. Multiple updates
// batch into a single bulk call; inserts and deletes go per row. After any
// success against a fallback-locked source the snapshot is invalidated and
// an immediate refresh is triggered before Apply returns.
func (g *Gateway) Apply(ctx context.Context, intents []MutationIntent) (*MutationResult, error) {
	var inserts, deletes []MutationIntent
	var updates []MutationIntent
	for _, intent := range intents {
		switch intent.Type {
		case MutationInsert:
			inserts = append(inserts, intent)
		case MutationUpdate:
			updates = append(updates, intent)
		case MutationDelete:
			deletes = append(deletes, intent)
		default:
			return nil, fmt.Errorf("unknown mutation type %q", intent.Type)
		}
	}

	result := &MutationResult{}
	for _, intent := range inserts {
		resp, err := g.insert(ctx, intent)
		if err != nil {
			return nil, err
		}
		result.Txids = append(result.Txids, resp.Txid)
	}
	if len(updates) == 1 {
		resp, err := g.update(ctx, updates[0])
		if err != nil {
			return nil, err
		}
		result.Txids = append(result.Txids, resp.Txid)
	} else if len(updates) > 1 {
		resp, err := g.bulkUpdate(ctx, updates)
		if err != nil {
			return nil, err
		}
		result.Txids = append(result.Txids, resp.Txid)
	}
	for _, intent := range deletes {
		resp, err := g.delete(ctx, intent)
		if err != nil {
			return nil, err
		}
		result.Txids = append(result.Txids, resp.Txid)
	}

	if g.runtime != nil && g.runtime.FallbackLocked() {
		if g.snapshots != nil {
			g.snapshots.Invalidate(g.runtime.Key())
		}
		g.runtime.RequestRefresh()
		return &MutationResult{}, nil
	}
	return result, nil
}

func (g *Gateway) insert(ctx context.Context, intent MutationIntent) (txidResponse, error) {
	var out txidResponse
	err := g.client.doJSON(ctx, http.MethodPost, g.path, nil, intent.Row, &out)
	return out, err
}

func (g *Gateway) update(ctx context.Context, intent MutationIntent) (txidResponse, error) {
	var out txidResponse
	err := g.client.doJSON(ctx, http.MethodPatch, g.path+"/"+intent.Key, nil, intent.Changes, &out)
	return out, err
}

func (g *Gateway) bulkUpdate(ctx context.Context, intents []MutationIntent) (txidResponse, error) {
	updates := make([]map[string]any, 0, len(intents))
	for _, intent := range intents {
		entry := map[string]any{"id": intent.Key}
		for field, value := range intent.Changes {
			entry[field] = value
		}
		updates = append(updates, entry)
	}
	var out txidResponse
	err := g.client.doJSON(ctx, http.MethodPost, g.path+"/bulk", nil, map[string]any{"updates": updates}, &out)
	return out, err
}

func (g *Gateway) delete(ctx context.Context, intent MutationIntent) (txidResponse, error) {
	var out txidResponse
	err := g.client.doJSON(ctx, http.MethodDelete, g.path+"/"+intent.Key, nil, nil, &out)
	return out, err
}
