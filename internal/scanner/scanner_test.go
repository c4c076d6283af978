package scanner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/registry"
	"github.com/basewatch/indexer/internal/rpc"
)

type fakeChain struct {
	latest    uint64
	logs      []types.Log
	creations []rpc.AssetTransfer
	code      map[string][]byte
}

func (f *fakeChain) GetLatestBlockNumber(_ context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeChain) GetLogsPaged(_ context.Context, _, _ uint64, _ []common.Address, _ [][]common.Hash) ([]types.Log, error) {
	return f.logs, nil
}

func (f *fakeChain) GetContractCreations(_ context.Context, _, _ uint64) ([]rpc.AssetTransfer, error) {
	return f.creations, nil
}

func (f *fakeChain) GetCode(_ context.Context, address common.Address) ([]byte, error) {
	return f.code[database.AddressToString(address)], nil
}

func (f *fakeChain) GetBlockTimestamp(_ context.Context, number uint64) (time.Time, error) {
	return time.Unix(int64(number)*2, 0).UTC(), nil
}

// fakeBackend backs both the scanner's fingerprint store and the
// reconciler's persistence.
type fakeBackend struct {
	fingerprints []database.Fingerprint
	detections   []*database.Detection
	tokens       map[string]*database.Token
	provenance   []*database.Provenance
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		fingerprints: []database.Fingerprint{
			{
				FingerprintID: "erc20_minimal",
				Selectors:     []string{"06fdde03", "95d89b41", "70a08231", "a9059cbb"},
				Confidence:    75,
				IsActive:      true,
			},
		},
		tokens: make(map[string]*database.Token),
	}
}

func (f *fakeBackend) ActiveFingerprints(_ context.Context) ([]database.Fingerprint, error) {
	return f.fingerprints, nil
}

func (f *fakeBackend) InsertDetection(_ context.Context, d *database.Detection) error {
	f.detections = append(f.detections, d)
	return nil
}

func (f *fakeBackend) InsertDetections(_ context.Context, detections []*database.Detection) error {
	f.detections = append(f.detections, detections...)
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

func (f *fakeBackend) UpsertProvenance(_ context.Context, p *database.Provenance) error {
	f.provenance = append(f.provenance, p)
	return nil
}

func (f *fakeBackend) AdvanceStage(_ context.Context, _, _ string, _ database.Stage, _, _ string, _ *database.TokenStats) (bool, error) {
	return false, nil
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

func (f *fakeBackend) ListUnprocessedDetections(_ context.Context, _ string, limit int) ([]*database.Detection, error) {
	var out []*database.Detection
	for _, d := range f.detections {
		if !d.Processed && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

var (
	factoryAddr   = common.HexToAddress("0x777777751622c0d3258f214f9df38e35bf45baf3")
	creationTopic = common.HexToHash("0x2de436107c2096e039a3e5173c20a02b2af10fbcb7f81c7f86a2d99ae74c8bff")
)

func erc20Bytecode() []byte {
	raw, _ := hex.DecodeString("60806040526306fdde03146395d89b411470a0823114a9059cbb1400")
	return raw
}

func factoryCreationLog(creator, token common.Address, name, symbol string, block uint64) types.Log {
	pad := func(v uint64) string { return fmt.Sprintf("%064x", v) }
	str := func(s string) string {
		payload := hex.EncodeToString([]byte(s))
		return pad(uint64(len(s))) + payload + strings.Repeat("0", 64-len(payload)%64)
	}

	nameOffset := uint64(5 * 32)
	symbolOffset := nameOffset + uint64(len(str(name)))/2
	data := pad(0) +
		pad(nameOffset) +
		pad(0) +
		pad(symbolOffset) +
		"000000000000000000000000" + hex.EncodeToString(token.Bytes()) +
		str(name) +
		str(symbol)
	raw, _ := hex.DecodeString(data)

	return types.Log{
		Address:     factoryAddr,
		Topics:      []common.Hash{creationTopic, common.BytesToHash(creator.Bytes())},
		Data:        raw,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xabcd"),
		Index:       3,
	}
}

func TestScanFactoryLogUsesBlockTimestamp(t *testing.T) {
	creator := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token := common.HexToAddress("0x4444444444444444444444444444444444444444")

	chain := &fakeChain{
		latest: 900,
		logs:   []types.Log{factoryCreationLog(creator, token, "Based Pepe", "PEPE", 860)},
	}
	backend := newFakeBackend()
	reconciler := registry.NewReconciler(backend, nil, "base", zerolog.Nop())
	s := New(chain, backend, reconciler, "base", factoryAddr, creationTopic, Config{}, zerolog.Nop())

	require.NoError(t, s.Run(context.Background()))

	require.Len(t, backend.detections, 1)
	var payload registry.Payload
	require.NoError(t, json.Unmarshal(backend.detections[0].RawData, &payload))
	assert.Equal(t, "Based Pepe", payload.Name)
	assert.Equal(t, "PEPE", payload.Symbol)

	// launch time comes from the log's block, not the sweep's clock
	blockTime := time.Unix(860*2, 0).UTC()
	require.NotNil(t, payload.LaunchTimestamp)
	assert.Equal(t, blockTime, payload.LaunchTimestamp.UTC())

	tok := backend.tokens[database.AddressToString(token)]
	require.NotNil(t, tok)
	assert.Equal(t, blockTime, tok.LaunchTimestamp.UTC())
}

func TestScanClassifiesContractCreations(t *testing.T) {
	tokenAddr := "0x2222222222222222222222222222222222222222"
	to := ""

	chain := &fakeChain{
		latest: 1000,
		creations: []rpc.AssetTransfer{
			{
				Hash:        "0xAABB",
				BlockNum:    "0x3e0",
				RawContract: rpc.RawContract{Address: tokenAddr},
			},
			{
				Hash:        "0xCCDD",
				To:          &to,
				RawContract: rpc.RawContract{Address: "0x3333333333333333333333333333333333333333"},
			},
		},
		code: map[string][]byte{
			tokenAddr: erc20Bytecode(),
			"0x3333333333333333333333333333333333333333": {0x60, 0x80},
		},
	}

	backend := newFakeBackend()
	reconciler := registry.NewReconciler(backend, nil, "base", zerolog.Nop())
	s := New(chain, backend, reconciler, "base", factoryAddr, creationTopic, Config{}, zerolog.Nop())

	require.NoError(t, s.Run(context.Background()))

	// only the fingerprint match produced a detection and a token
	require.Len(t, backend.detections, 1)
	d := backend.detections[0]
	assert.Equal(t, tokenAddr, d.Address)
	assert.Equal(t, database.SourceScan, d.Source)
	require.NotNil(t, d.MatchedFingerprint)
	assert.Equal(t, "erc20_minimal", *d.MatchedFingerprint)
	require.NotNil(t, d.BlockNumber)
	assert.Equal(t, uint64(0x3e0), *d.BlockNumber)
	assert.True(t, d.Processed)

	token := backend.tokens[tokenAddr]
	require.NotNil(t, token)
	assert.Equal(t, database.StageCreated, token.Stage)
}

func TestScanRespectsCreationCap(t *testing.T) {
	var creations []rpc.AssetTransfer
	code := make(map[string][]byte)
	for i := 0; i < 30; i++ {
		addr := common.BigToAddress(common.Big1).Hex()
		creations = append(creations, rpc.AssetTransfer{
			Hash:        "0x01",
			RawContract: rpc.RawContract{Address: addr},
		})
		code[database.NormalizeAddress(addr)] = []byte{0x60}
	}

	chain := &fakeChain{latest: 50, creations: creations, code: code}
	backend := newFakeBackend()
	reconciler := registry.NewReconciler(backend, nil, "base", zerolog.Nop())
	s := New(chain, backend, reconciler, "base", factoryAddr, creationTopic, Config{MaxCreations: 20}, zerolog.Nop())

	require.NoError(t, s.Run(context.Background()))
	assert.Empty(t, backend.detections, "non-matching bytecode yields nothing")
}
