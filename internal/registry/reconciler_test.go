package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/rpc"
)

type fakeStore struct {
	tokens      map[string]*database.Token
	provenance  map[string]*database.Provenance // keyed by address+source
	detections  []*database.Detection
	transitions []database.Stage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tokens:     make(map[string]*database.Token),
		provenance: make(map[string]*database.Provenance),
	}
}

func (f *fakeStore) GetToken(_ context.Context, _, address string) (*database.Token, error) {
	return f.tokens[address], nil
}

func (f *fakeStore) InsertToken(_ context.Context, t *database.Token) (bool, error) {
	if _, ok := f.tokens[t.Address]; ok {
		return false, nil
	}
	clone := *t
	f.tokens[t.Address] = &clone
	return true, nil
}

func (f *fakeStore) UpdateTokenMetadata(_ context.Context, _, address, name, symbol string, logoURL, creator *string) error {
	t, ok := f.tokens[address]
	if !ok || (t.Stage != database.StageCreated && t.Stage != database.StageDiscovered) {
		return nil
	}
	if name != "" {
		t.Name = name
	}
	if symbol != "" {
		t.Symbol = symbol
	}
	if logoURL != nil {
		t.LogoURL = logoURL
	}
	if creator != nil {
		t.CreatorAddress = creator
	}
	return nil
}

func (f *fakeStore) UpsertProvenance(_ context.Context, p *database.Provenance) error {
	key := p.TokenAddress + "|" + p.Source
	if _, ok := f.provenance[key]; ok {
		return nil
	}
	if p.IsPrimary {
		for _, existing := range f.provenance {
			if existing.TokenAddress == p.TokenAddress && existing.IsPrimary {
				demoted := *p
				demoted.IsPrimary = false
				f.provenance[key] = &demoted
				return nil
			}
		}
	}
	clone := *p
	f.provenance[key] = &clone
	return nil
}

func (f *fakeStore) AdvanceStage(_ context.Context, _, address string, target database.Stage, _, _ string, _ *database.TokenStats) (bool, error) {
	t, ok := f.tokens[address]
	if !ok {
		return false, nil
	}
	if t.Stage == database.StageDead || t.Stage.Rank() >= target.Rank() {
		return false, nil
	}
	t.Stage = target
	f.transitions = append(f.transitions, target)
	return true, nil
}

func (f *fakeStore) MarkDead(_ context.Context, _, address, _ string) (bool, error) {
	t, ok := f.tokens[address]
	if !ok || t.Stage == database.StageDead {
		return false, nil
	}
	t.Stage = database.StageDead
	return true, nil
}

func (f *fakeStore) InsertDetection(_ context.Context, d *database.Detection) error {
	f.detections = append(f.detections, d)
	return nil
}

func (f *fakeStore) MarkDetectionProcessed(_ context.Context, _, address string, _ *string) error {
	for _, d := range f.detections {
		if d.Address == address {
			d.Processed = true
		}
	}
	return nil
}

func (f *fakeStore) ListUnprocessedDetections(_ context.Context, _ string, limit int) ([]*database.Detection, error) {
	var out []*database.Detection
	for _, d := range f.detections {
		if !d.Processed && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) primaryCount(address string) int {
	count := 0
	for _, p := range f.provenance {
		if p.TokenAddress == address && p.IsPrimary {
			count++
		}
	}
	return count
}

type fakeMetadata struct {
	records map[string]*rpc.TokenMetadata
	err     error
	calls   int
}

func (f *fakeMetadata) GetTokenMetadata(_ context.Context, address common.Address) (*rpc.TokenMetadata, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	meta, ok := f.records[database.NormalizeAddress(address.Hex())]
	if !ok {
		return nil, rpc.ErrNoMetadata
	}
	return meta, nil
}

const testAddr = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func detection(source string, payload *Payload) *database.Detection {
	d := &database.Detection{
		Chain:      "base",
		Address:    testAddr,
		Source:     source,
		DetectedAt: time.Now().UTC(),
	}
	if payload != nil {
		d.RawData = payload.Encode()
	}
	return d
}

func newTestReconciler(store *fakeStore, meta *fakeMetadata) *Reconciler {
	if meta == nil {
		meta = &fakeMetadata{}
	}
	return NewReconciler(store, meta, "base", zerolog.Nop())
}

func TestProcessDetectionCreatesToken(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)

	creator := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	err := r.ProcessDetection(context.Background(), detection(database.SourceRealtime, &Payload{
		Name: "Based Pepe", Symbol: "PEPE", Platform: "zora", Creator: &creator,
	}))
	require.NoError(t, err)

	token := store.tokens[testAddr]
	require.NotNil(t, token)
	assert.Equal(t, "Based Pepe", token.Name)
	// the decoded event already carried name and symbol
	assert.Equal(t, database.StageDiscovered, token.Stage)
	assert.Equal(t, database.SourceRealtime, token.Source)
	assert.Equal(t, 1, store.primaryCount(testAddr))
}

func TestProcessDetectionWithoutMetadataStaysCreated(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)

	err := r.ProcessDetection(context.Background(), detection(database.SourceScan, &Payload{Platform: "unknown"}))
	require.NoError(t, err)

	require.NotNil(t, store.tokens[testAddr])
	assert.Equal(t, database.StageCreated, store.tokens[testAddr].Stage)
	assert.Empty(t, store.transitions)
}

func TestProcessDetectionSecondSourceEnriches(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)
	ctx := context.Background()

	require.NoError(t, r.ProcessDetection(ctx, detection(database.SourceScan, &Payload{Platform: "unknown"})))
	assert.Equal(t, "Unknown Token", store.tokens[testAddr].Name)
	assert.Equal(t, database.StageCreated, store.tokens[testAddr].Stage)

	logo := "https://img.example/pepe.png"
	require.NoError(t, r.ProcessDetection(ctx, detection(database.SourceBackfill, &Payload{
		Name: "Based Pepe", Symbol: "PEPE", LogoURL: &logo,
	})))

	token := store.tokens[testAddr]
	assert.Equal(t, "Based Pepe", token.Name)
	assert.Equal(t, "PEPE", token.Symbol)
	// filling in the identity also moves the row past created
	assert.Equal(t, database.StageDiscovered, token.Stage)
	require.NotNil(t, token.LogoURL)
	// identity fields stay with the first source
	assert.Equal(t, database.SourceScan, token.Source)
	assert.Equal(t, 1, store.primaryCount(testAddr))
	assert.Equal(t, 2, len(store.provenance))
}

func TestProcessDetectionNoEnrichmentPastDiscovered(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)
	ctx := context.Background()

	require.NoError(t, r.ProcessDetection(ctx, detection(database.SourceRealtime, &Payload{Name: "Original", Symbol: "ORIG"})))
	store.tokens[testAddr].Stage = database.StageTraded

	require.NoError(t, r.ProcessDetection(ctx, detection(database.SourceBackfill, &Payload{Name: "Hijacked", Symbol: "HACK"})))
	assert.Equal(t, "Original", store.tokens[testAddr].Name)
}

func TestProcessDetectionIdempotent(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)
	ctx := context.Background()

	d := detection(database.SourceRealtime, &Payload{Name: "Based Pepe", Symbol: "PEPE"})
	require.NoError(t, r.ProcessDetection(ctx, d))
	require.NoError(t, r.ProcessDetection(ctx, d))

	assert.Len(t, store.tokens, 1)
	assert.Equal(t, 1, store.primaryCount(testAddr))
}

func TestProcessPendingContainsFailures(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)
	ctx := context.Background()

	good := detection(database.SourceScan, &Payload{Name: "Good", Symbol: "GOOD"})
	bad := detection(database.SourceScan, nil)
	bad.Address = "0xcccccccccccccccccccccccccccccccccccccccc"
	bad.RawData = []byte(`{"name": 42}`) // unreadable payload still registers
	store.detections = []*database.Detection{good, bad}

	processed, err := r.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.True(t, good.Processed)
}

func TestResolveKnownToken(t *testing.T) {
	store := newFakeStore()
	meta := &fakeMetadata{}
	r := newTestReconciler(store, meta)
	ctx := context.Background()

	require.NoError(t, r.ProcessDetection(ctx, detection(database.SourceRealtime, &Payload{Name: "Based Pepe", Symbol: "PEPE"})))

	token, err := r.Resolve(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, "Based Pepe", token.Name)
	assert.Zero(t, meta.calls, "known tokens never trigger a lookup")
}

func TestResolveUnknownWithMetadata(t *testing.T) {
	store := newFakeStore()
	decimals := int32(18)
	meta := &fakeMetadata{records: map[string]*rpc.TokenMetadata{
		testAddr: {Name: "Fresh Coin", Symbol: "FRSH", Decimals: &decimals},
	}}
	r := newTestReconciler(store, meta)

	token, err := r.Resolve(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, "Fresh Coin", token.Name)
	assert.Equal(t, database.SourceManual, token.Source)
	assert.Equal(t, database.StageDiscovered, token.Stage)
	assert.Equal(t, 1, store.primaryCount(testAddr))
}

type fakeRefresher struct {
	batches [][]string
	err     error
}

func (f *fakeRefresher) Refresh(_ context.Context, addresses []string) error {
	f.batches = append(f.batches, addresses)
	return f.err
}

func TestResolveRefreshesStats(t *testing.T) {
	store := newFakeStore()
	meta := &fakeMetadata{records: map[string]*rpc.TokenMetadata{
		testAddr: {Name: "Fresh Coin", Symbol: "FRSH"},
	}}
	r := newTestReconciler(store, meta)
	refresher := &fakeRefresher{}
	r.SetStatsRefresher(refresher)

	_, err := r.Resolve(context.Background(), testAddr)
	require.NoError(t, err)
	require.Len(t, refresher.batches, 1)
	assert.Equal(t, []string{testAddr}, refresher.batches[0])

	// already-known tokens come straight from the store
	_, err = r.Resolve(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Len(t, refresher.batches, 1)
}

func TestResolveToleratesStatsFailure(t *testing.T) {
	store := newFakeStore()
	meta := &fakeMetadata{records: map[string]*rpc.TokenMetadata{
		testAddr: {Name: "Fresh Coin", Symbol: "FRSH"},
	}}
	r := newTestReconciler(store, meta)
	r.SetStatsRefresher(&fakeRefresher{err: errors.New("provider down")})

	token, err := r.Resolve(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, "Fresh Coin", token.Name)
}

func TestResolveUnknownWithoutMetadata(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, &fakeMetadata{})

	_, err := r.Resolve(context.Background(), testAddr)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, store.tokens, "a miss must not create a row")
}

func TestResolveLookupFailure(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, &fakeMetadata{err: errors.New("rpc down")})

	_, err := r.Resolve(context.Background(), testAddr)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestAdvanceFromStats(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)
	ctx := context.Background()

	require.NoError(t, r.ProcessDetection(ctx, detection(database.SourceRealtime, &Payload{Name: "Based Pepe", Symbol: "PEPE"})))

	stage, applied, err := r.AdvanceFromStats(ctx, testAddr, &database.TokenStats{Price: 0.01, Holders: 3})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, database.StagePriced, stage)

	// lower target after the fact is a no-op
	stage, applied, err = r.AdvanceFromStats(ctx, testAddr, &database.TokenStats{Holders: 3})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, database.StageDiscovered, stage)
	assert.Equal(t, database.StagePriced, store.tokens[testAddr].Stage)
}

func TestMarkDeadTerminal(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)
	ctx := context.Background()

	require.NoError(t, r.ProcessDetection(ctx, detection(database.SourceRealtime, &Payload{Name: "Rug", Symbol: "RUG"})))

	changed, err := r.MarkDead(ctx, testAddr, "spam")
	require.NoError(t, err)
	assert.True(t, changed)

	// dead tokens never advance again
	_, applied, err := r.AdvanceFromStats(ctx, testAddr, &database.TokenStats{Volume24h: 1000})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, database.StageDead, store.tokens[testAddr].Stage)
}

// End-to-end lifecycle: realtime creation, scan duplicate, stats-driven
// climbing, then operator kill.
func TestLifecycleScenario(t *testing.T) {
	store := newFakeStore()
	r := newTestReconciler(store, nil)
	ctx := context.Background()

	require.NoError(t, r.ProcessDetection(ctx, detection(database.SourceRealtime, &Payload{Name: "Moon", Symbol: "MOON", Platform: "zora"})))
	require.NoError(t, r.ProcessDetection(ctx, detection(database.SourceScan, &Payload{Platform: "unknown"})))

	for _, stats := range []*database.TokenStats{
		{Holders: 5},
		{Holders: 9, Price: 0.001},
		{Holders: 20, Price: 0.002, Liquidity: 4000},
		{Holders: 50, Price: 0.004, Liquidity: 9000, Volume24h: 1200},
	} {
		_, _, err := r.AdvanceFromStats(ctx, testAddr, stats)
		require.NoError(t, err)
	}

	assert.Equal(t, database.StageTraded, store.tokens[testAddr].Stage)
	assert.Equal(t, []database.Stage{
		database.StageDiscovered,
		database.StagePriced,
		database.StageLiquid,
		database.StageTraded,
	}, store.transitions)
	assert.Equal(t, 1, store.primaryCount(testAddr))
}
