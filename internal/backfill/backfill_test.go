package backfill

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/registry"
)

type fakeBackend struct {
	detections []*database.Detection
	tokens     map[string]*database.Token
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tokens: make(map[string]*database.Token)}
}

func (f *fakeBackend) InsertDetection(_ context.Context, d *database.Detection) error {
	f.detections = append(f.detections, d)
	return nil
}

func (f *fakeBackend) GetToken(_ context.Context, _, address string) (*database.Token, error) {
	return f.tokens[address], nil
}

func (f *fakeBackend) InsertToken(_ context.Context, t *database.Token) (bool, error) {
	if _, ok := f.tokens[t.Address]; ok {
		return false, nil
	}
	clone := *t
	f.tokens[t.Address] = &clone
	return true, nil
}

func (f *fakeBackend) UpdateTokenMetadata(_ context.Context, _, _, _, _ string, _, _ *string) error {
	return nil
}

func (f *fakeBackend) UpsertProvenance(_ context.Context, _ *database.Provenance) error {
	return nil
}

func (f *fakeBackend) AdvanceStage(_ context.Context, _, address string, target database.Stage, _, _ string, _ *database.TokenStats) (bool, error) {
	t, ok := f.tokens[address]
	if !ok || t.Stage == database.StageDead || t.Stage.Rank() >= target.Rank() {
		return false, nil
	}
	t.Stage = target
	return true, nil
}

func (f *fakeBackend) MarkDead(_ context.Context, _, _, _ string) (bool, error) {
	return false, nil
}

func (f *fakeBackend) MarkDetectionProcessed(_ context.Context, _, address string, _ *string) error {
	for _, d := range f.detections {
		if d.Address == address {
			d.Processed = true
		}
	}
	return nil
}

func (f *fakeBackend) ListUnprocessedDetections(_ context.Context, _ string, _ int) ([]*database.Detection, error) {
	return nil, nil
}

type fakeRefresher struct {
	refreshed [][]string
}

func (f *fakeRefresher) Refresh(_ context.Context, addresses []string) error {
	f.refreshed = append(f.refreshed, addresses)
	return nil
}

const listingBody = `{
	"coins": [
		{
			"address": "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
			"name": "Alpha",
			"symbol": "ALPHA",
			"decimals": 18,
			"totalSupply": "1000000000",
			"creatorAddress": "0xDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD",
			"creationTxHash": "0xFF01",
			"creationBlock": 12345,
			"createdAt": "2026-08-30T10:00:00Z",
			"mediaContent": {"previewImage": {"medium": "https://img.example/alpha.png"}}
		},
		{
			"address": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			"name": "Beta",
			"symbol": "BETA"
		},
		{"name": "No Address"}
	],
	"nextCursor": "cursor-2"
}`

func newTestBackfiller(t *testing.T, handler http.HandlerFunc, stats StatsRefresher) (*Backfiller, *fakeBackend, *httptest.Server) {
	server := httptest.NewServer(handler)
	backend := newFakeBackend()
	reconciler := registry.NewReconciler(backend, nil, "base", zerolog.Nop())

	b := New("", reconciler, backend, stats, "base", "0x777777751622c0d3258f214f9df38e35bf45baf3", 100, zerolog.Nop())
	b.client = resty.NewWithClient(server.Client()).SetBaseURL(server.URL)
	return b, backend, server
}

func TestBackfillPage(t *testing.T) {
	refresher := &fakeRefresher{}
	var gotCursor string
	b, backend, server := newTestBackfiller(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins", r.URL.Path)
		gotCursor = r.URL.Query().Get("after")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(listingBody))
	}, refresher)
	defer server.Close()

	require.NoError(t, b.Run(context.Background()))
	assert.Empty(t, gotCursor, "first run starts from the top")

	// the address-less coin is skipped
	require.Len(t, backend.detections, 2)

	alpha := backend.tokens["0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"]
	require.NotNil(t, alpha)
	assert.Equal(t, "Alpha", alpha.Name)
	assert.Equal(t, database.SourceBackfill, alpha.Source)
	// listing rows carry name and symbol, so the token lands discovered
	assert.Equal(t, database.StageDiscovered, alpha.Stage)
	require.NotNil(t, alpha.CreatorAddress)
	assert.Equal(t, "0xdddddddddddddddddddddddddddddddddddddddd", *alpha.CreatorAddress)
	require.NotNil(t, alpha.CreationBlock)
	assert.Equal(t, uint64(12345), *alpha.CreationBlock)
	assert.Equal(t, "2026-08-30T10:00:00Z", alpha.LaunchTimestamp.Format("2006-01-02T15:04:05Z"))

	// fresh tokens get an immediate stats pass
	require.Len(t, refresher.refreshed, 1)
	assert.Len(t, refresher.refreshed[0], 2)

	// second run resumes from the cursor
	require.NoError(t, b.Run(context.Background()))
	assert.Equal(t, "cursor-2", gotCursor)
}

func TestBackfillUpstreamError(t *testing.T) {
	b, backend, server := newTestBackfiller(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, nil)
	defer server.Close()

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, backend.detections)
}
