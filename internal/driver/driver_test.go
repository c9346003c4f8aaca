package driver

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpie-md/kelpie/internal/hostkv"
	"github.com/kelpie-md/kelpie/internal/snapshot"
	"github.com/kelpie-md/kelpie/internal/testutil"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newDriver(t *testing.T, st hostkv.Store) (*Driver, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(t0, time.Second)
	return New(Options{Store: st, Now: clock.Now}), clock
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := hostkv.NewMemory()
	d, _ := newDriver(t, st)
	s := snapshot.NewInitial(t0)

	require.NoError(t, d.Save(s))

	loaded, err := d.Load(LoadOptions{})
	require.NoError(t, err)
	require.NotNil(t, loaded)

	// Deep equality via the canonical form.
	want, err := snapshot.Serialise(s)
	require.NoError(t, err)
	got, err := snapshot.Serialise(loaded)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadNothingStored(t *testing.T) {
	d, _ := newDriver(t, hostkv.NewMemory())
	loaded, err := d.Load(LoadOptions{})
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestChecksumBitFlipReportsCorruption(t *testing.T) {
	st := hostkv.NewMemory()
	d, _ := newDriver(t, st)
	require.NoError(t, d.Save(snapshot.NewInitial(t0)))

	stored, ok, err := st.Get(d.checksumKey())
	require.NoError(t, err)
	require.True(t, ok)
	flipped := "0" + stored[1:]
	if flipped == stored {
		flipped = "1" + stored[1:]
	}
	require.NoError(t, st.Set(d.checksumKey(), flipped))

	var reported *CorruptionError
	loaded, err := d.Load(LoadOptions{OnCorruption: func(ce *CorruptionError) { reported = ce }})
	require.NoError(t, err)
	assert.Nil(t, loaded, "corruption is recovered, never returned as an error")

	require.NotNil(t, reported)
	assert.Equal(t, ReasonChecksum, reported.Reason)
	assert.Equal(t, flipped, reported.ExpectedChecksum)
	assert.Equal(t, stored, reported.ActualChecksum)

	// The raw payload was backed up before recovery.
	backups, err := d.Backups()
	require.NoError(t, err)
	assert.NotEmpty(t, backups)
}

func TestParseFailureReportsCorruption(t *testing.T) {
	st := hostkv.NewMemory()
	d, _ := newDriver(t, st)
	require.NoError(t, st.Set(d.Key(), "{definitely not json"))

	var reported *CorruptionError
	loaded, err := d.Load(LoadOptions{OnCorruption: func(ce *CorruptionError) { reported = ce }})
	require.NoError(t, err)
	assert.Nil(t, loaded)
	require.NotNil(t, reported)
	assert.Equal(t, ReasonParse, reported.Reason)
}

func TestLegacyPayloadWithoutChecksumLoads(t *testing.T) {
	st := hostkv.NewMemory()
	d, _ := newDriver(t, st)
	payload, err := snapshot.Serialise(snapshot.NewInitial(t0))
	require.NoError(t, err)
	require.NoError(t, st.Set(d.Key(), payload))

	loaded, err := d.Load(LoadOptions{})
	require.NoError(t, err)
	assert.NotNil(t, loaded)
}

func TestSaveSkipsUnchangedSnapshot(t *testing.T) {
	st := hostkv.NewMemory()
	d, _ := newDriver(t, st)
	s := snapshot.NewInitial(t0)
	require.NoError(t, d.Save(s))

	var writes int
	unsub := st.Subscribe(func(string) { writes++ })
	defer unsub()

	require.NoError(t, d.Save(s))
	assert.Zero(t, writes, "an identical snapshot writes nothing")

	// A changed snapshot writes again.
	next := *s
	next.Settings.LastActiveDocumentID = "doc-1"
	require.NoError(t, d.Save(&next))
	assert.Greater(t, writes, 0)
}

func TestSaveBacksUpPreviousValueAndTrims(t *testing.T) {
	st := hostkv.NewMemory()
	clock := testutil.NewClock(t0, time.Second)
	d := New(Options{Store: st, Now: clock.Now, BackupLimit: 2})

	s := snapshot.NewInitial(t0)
	require.NoError(t, d.Save(s))

	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		next := *s
		next.Settings.LastActiveDocumentID = strings.Repeat("x", i+1)
		require.NoError(t, d.Save(&next))
		s = &next
	}

	backups, err := d.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2, "oldest backups are pruned beyond the limit")
	assert.True(t, sortedAscending(backups))
}

func sortedAscending(keys []string) bool {
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			return false
		}
	}
	return true
}

func TestSaveWrapsQuotaErrors(t *testing.T) {
	st := hostkv.NewMemoryWithQuota(50)
	d, _ := newDriver(t, st)

	err := d.Save(snapshot.NewInitial(t0))
	require.Error(t, err)
	assert.True(t, IsQuotaError(err))
	assert.ErrorIs(t, err, hostkv.ErrQuotaExceeded)
}

func TestClearRemovesValueAndChecksum(t *testing.T) {
	st := hostkv.NewMemory()
	d, _ := newDriver(t, st)
	s := snapshot.NewInitial(t0)
	require.NoError(t, d.Save(s))
	require.NoError(t, d.Clear())

	_, ok, err := st.Get(d.Key())
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = st.Get(d.checksumKey())
	require.NoError(t, err)
	assert.False(t, ok)

	// After a clear the next save is not suppressed.
	var writes int
	unsub := st.Subscribe(func(string) { writes++ })
	defer unsub()
	require.NoError(t, d.Save(s))
	assert.Greater(t, writes, 0)
}

func TestSubscribeFiltersToOwnKey(t *testing.T) {
	st := hostkv.NewMemory()
	d, _ := newDriver(t, st)

	var fired int
	unsub := d.Subscribe(func() { fired++ })
	defer unsub()

	require.NoError(t, st.Set("unrelated", "x"))
	assert.Zero(t, fired)

	require.NoError(t, st.Set(d.Key(), "y"))
	assert.Equal(t, 1, fired)
}

type plainStore struct{ hostkv.Store }

func TestSubscribeWithoutNotifierIsNoOp(t *testing.T) {
	d := New(Options{Store: plainStore{hostkv.NewMemory()}})
	unsub := d.Subscribe(func() { t.Fatal("must never fire") })
	unsub()
}

func TestEncryptDecryptHooks(t *testing.T) {
	st := hostkv.NewMemory()
	encode := func(s string) (string, error) {
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	}
	decode := func(s string) (string, error) {
		raw, err := base64.StdEncoding.DecodeString(s)
		return string(raw), err
	}
	d := New(Options{Store: st, Encrypt: encode, Decrypt: decode})

	s := snapshot.NewInitial(t0)
	require.NoError(t, d.Save(s))

	raw, ok, err := st.Get(d.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, `"meta"`, "stored payload is not plaintext")

	loaded, err := d.Load(LoadOptions{})
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, s.Meta.InstallationID, loaded.Meta.InstallationID)
}

func TestDecryptFailureIsParseCorruption(t *testing.T) {
	st := hostkv.NewMemory()
	d := New(Options{Store: st, Decrypt: func(string) (string, error) {
		return "", errors.New("bad key")
	}})
	require.NoError(t, st.Set(d.Key(), "whatever"))

	var reported *CorruptionError
	loaded, err := d.Load(LoadOptions{OnCorruption: func(ce *CorruptionError) { reported = ce }})
	require.NoError(t, err)
	assert.Nil(t, loaded)
	require.NotNil(t, reported)
	assert.Equal(t, ReasonParse, reported.Reason)
}

func TestChecksumFormat(t *testing.T) {
	sum := Checksum("hello")
	assert.Len(t, sum, 8)
	assert.Equal(t, sum, Checksum("hello"))
	assert.NotEqual(t, sum, Checksum("hello!"))
}
