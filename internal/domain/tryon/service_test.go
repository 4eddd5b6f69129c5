package tryon

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changeroom/changeroom-api/internal/domain/billing"
	"github.com/changeroom/changeroom-api/internal/pkg/database"
	"github.com/changeroom/changeroom-api/internal/pkg/imaging"
	"github.com/changeroom/changeroom-api/internal/pkg/render"
	"github.com/changeroom/changeroom-api/internal/pkg/storage"
)

type fakeGenerator struct {
	calls atomic.Int32
	err   error
}

func (g *fakeGenerator) Render(_ context.Context, r render.Request) (*render.Result, error) {
	g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	return &render.Result{Image: render.InlineImage{MimeType: "image/png", Data: []byte("rendered-" + r.RequestID)}}, nil
}

type testEnv struct {
	ledger    *billing.Service
	generator *fakeGenerator
	store     *storage.LocalStorage
	service   *Service
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(database.DriverSQLite, filepath.Join(dir, "tryon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewLocalStorage(filepath.Join(dir, "results"), "http://files.test")
	require.NoError(t, err)

	ledger := billing.NewService(billing.NewRepository(db))
	gen := &fakeGenerator{}
	return &testEnv{
		ledger:    ledger,
		generator: gen,
		store:     store,
		service:   NewService(ledger, gen, store, imaging.NewNormalizer(imaging.DefaultConfig()), cfg),
	}
}

func (e *testEnv) seed(t *testing.T, userID string, credits int) {
	t.Helper()
	_, err := e.ledger.GrantCredits(context.Background(), userID, credits, billing.GrantMetadata{Source: "test", Reason: "seed"}, "seed-"+userID)
	require.NoError(t, err)
}

func (e *testEnv) balance(t *testing.T, userID string) int {
	t.Helper()
	account, err := e.ledger.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)
	return account.CreditsAvailable
}

func (e *testEnv) holdStatus(t *testing.T, requestID string) billing.HoldStatus {
	t.Helper()
	hold, err := e.ledger.GetHold(context.Background(), requestID)
	require.NoError(t, err)
	return hold.Status
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 48))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func request(t *testing.T, userID, requestID string, verified bool) Request {
	return Request{
		UserID:        userID,
		EmailVerified: verified,
		RequestID:     requestID,
		Category:      render.CategoryUpperBody,
		UserImage:     testPNG(t),
		ClothingImage: testPNG(t),
	}
}

var defaultConfig = Config{Cost: 1, TrialCredits: 2, ContentBlockPenalty: 1}

func TestTryOnVerifiedUserSpendsTrial(t *testing.T) {
	env := newTestEnv(t, defaultConfig)

	res, err := env.service.TryOn(context.Background(), request(t, "user-1", "req-1", true))
	require.NoError(t, err)

	assert.True(t, res.Charged)
	assert.Equal(t, "http://files.test/tryon/user-1/req-1.png", res.ImageURL)
	require.NotNil(t, res.Account)
	assert.Equal(t, 1, res.Account.CreditsAvailable)
	assert.Equal(t, 1, env.balance(t, "user-1"))
	assert.Equal(t, billing.HoldStatusFinalized, env.holdStatus(t, "req-1"))

	ok, err := env.store.Exists(context.Background(), "tryon/user-1/req-1.png")
	require.NoError(t, err)
	assert.True(t, ok)

	// the trial is not granted a second time
	_, err = env.service.TryOn(context.Background(), request(t, "user-1", "req-2", true))
	require.NoError(t, err)
	_, err = env.service.TryOn(context.Background(), request(t, "user-1", "req-3", true))
	assert.ErrorIs(t, err, billing.ErrInsufficientCredits)
	assert.Equal(t, 0, env.balance(t, "user-1"))
}

func TestTryOnUnverifiedUserGetsNoTrial(t *testing.T) {
	env := newTestEnv(t, defaultConfig)

	_, err := env.service.TryOn(context.Background(), request(t, "user-1", "req-1", false))
	assert.ErrorIs(t, err, billing.ErrInsufficientCredits)
	assert.Equal(t, int32(0), env.generator.calls.Load())
}

func TestTryOnBypassSkipsLedger(t *testing.T) {
	cfg := defaultConfig
	cfg.Bypass = AllowList([]string{" staff-1 "})
	env := newTestEnv(t, cfg)

	res, err := env.service.TryOn(context.Background(), request(t, "staff-1", "req-1", true))
	require.NoError(t, err)
	assert.False(t, res.Charged)
	assert.Nil(t, res.Account)

	_, err = env.ledger.GetHold(context.Background(), "req-1")
	assert.ErrorIs(t, err, billing.ErrHoldNotFound)

	account, err := env.ledger.GetOrCreate(context.Background(), "staff-1")
	require.NoError(t, err)
	assert.False(t, account.TrialUsed)
	assert.Equal(t, 0, account.CreditsAvailable)
}

func TestTryOnContentRejectedFinalizesAndPenalizes(t *testing.T) {
	env := newTestEnv(t, defaultConfig)
	env.seed(t, "user-1", 3)
	env.generator.err = render.ErrContentRejected

	_, err := env.service.TryOn(context.Background(), request(t, "user-1", "req-1", false))
	assert.ErrorIs(t, err, ErrContentRejected)
	assert.Equal(t, billing.HoldStatusFinalized, env.holdStatus(t, "req-1"))
	assert.Equal(t, 1, env.balance(t, "user-1"))

	entries, err := env.ledger.ListEntries(context.Background(), "user-1", 10, 0)
	require.NoError(t, err)
	var penalties int
	for _, e := range entries {
		if e.Kind == billing.EntryKindPenalty {
			penalties++
			assert.Equal(t, "req-1", e.IdempotencyKey)
			assert.Equal(t, -1, e.AmountDelta)
		}
	}
	assert.Equal(t, 1, penalties)
}

func TestTryOnContentRejectedPenaltyShortfallIsNotFatal(t *testing.T) {
	env := newTestEnv(t, defaultConfig)
	env.seed(t, "user-1", 1)
	env.generator.err = render.ErrContentRejected

	_, err := env.service.TryOn(context.Background(), request(t, "user-1", "req-1", false))
	assert.ErrorIs(t, err, ErrContentRejected)
	assert.NotErrorIs(t, err, billing.ErrInsufficientCredits)
	assert.Equal(t, 0, env.balance(t, "user-1"))
	assert.Equal(t, billing.HoldStatusFinalized, env.holdStatus(t, "req-1"))
}

func TestTryOnRenderFailureKeepsHoldForRetry(t *testing.T) {
	env := newTestEnv(t, defaultConfig)
	env.seed(t, "user-1", 2)
	env.generator.err = errors.New("upstream 502")

	_, err := env.service.TryOn(context.Background(), request(t, "user-1", "req-1", false))
	assert.ErrorIs(t, err, ErrRenderFailed)
	assert.Equal(t, billing.HoldStatusHeld, env.holdStatus(t, "req-1"))
	assert.Equal(t, 1, env.balance(t, "user-1"))

	// retry with the same request id is not charged again
	env.generator.err = nil
	_, err = env.service.TryOn(context.Background(), request(t, "user-1", "req-1", false))
	require.NoError(t, err)
	assert.Equal(t, 1, env.balance(t, "user-1"))
	assert.Equal(t, billing.HoldStatusFinalized, env.holdStatus(t, "req-1"))
}

func TestTryOnReplays(t *testing.T) {
	env := newTestEnv(t, defaultConfig)
	env.seed(t, "user-1", 5)
	env.seed(t, "user-2", 5)

	_, err := env.service.TryOn(context.Background(), request(t, "user-1", "req-1", false))
	require.NoError(t, err)

	_, err = env.service.TryOn(context.Background(), request(t, "user-1", "req-1", false))
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	_, err = env.service.TryOn(context.Background(), request(t, "user-2", "req-1", false))
	assert.ErrorIs(t, err, ErrRequestConflict)

	assert.Equal(t, 4, env.balance(t, "user-1"))
	assert.Equal(t, 5, env.balance(t, "user-2"))
	assert.Equal(t, int32(1), env.generator.calls.Load())
}

func TestTryOnRejectsBadInputBeforeCharging(t *testing.T) {
	env := newTestEnv(t, defaultConfig)
	env.seed(t, "user-1", 1)

	req := request(t, "user-1", "req-1", false)
	req.ClothingImage = []byte("not an image")
	_, err := env.service.TryOn(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidImage)

	req = request(t, "user-1", "req-1", false)
	req.Category = "hats"
	_, err = env.service.TryOn(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidCategory)

	req = request(t, "user-1", "bad key with spaces", false)
	_, err = env.service.TryOn(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Equal(t, 1, env.balance(t, "user-1"))
	assert.Equal(t, int32(0), env.generator.calls.Load())
}

func TestTryOnFrozenAccount(t *testing.T) {
	env := newTestEnv(t, defaultConfig)
	env.seed(t, "user-1", 3)
	_, err := env.ledger.SetFrozen(context.Background(), "user-1", true)
	require.NoError(t, err)

	_, err = env.service.TryOn(context.Background(), request(t, "user-1", "req-1", false))
	assert.ErrorIs(t, err, billing.ErrAccountFrozen)
	assert.Equal(t, 3, env.balance(t, "user-1"))
}
