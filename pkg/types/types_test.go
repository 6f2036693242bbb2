package types

import (
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHash = "0xAbCdEf0000000000000000000000000000000000000000000000000000000001"

func TestEventIdentityNormalisation(t *testing.T) {
	a, err := ParseEventIdentity(testHash, "16")
	require.NoError(t, err)
	b, err := ParseEventIdentity("abcdef0000000000000000000000000000000000000000000000000000000001", "0x10")
	require.NoError(t, err)

	assert.Equal(t, a, b, "hex and decimal index, mixed-case hash must be equal")
	assert.Equal(t, "0xabcdef0000000000000000000000000000000000000000000000000000000001", a.TxHash())
	assert.Equal(t, int64(16), a.LogIndex().Int64())
	assert.Equal(t, 0, Compare(a, b))

	set := map[EventIdentity]bool{a: true}
	assert.True(t, set[b])
}

func TestEventIdentityRejectsBadInput(t *testing.T) {
	_, err := ParseEventIdentity("0x1234", "1")
	assert.ErrorIs(t, err, ErrInvalidTxHash)

	_, err = ParseEventIdentity(testHash, "-1")
	assert.ErrorIs(t, err, ErrInvalidLogIndex)

	_, err = ParseEventIdentity(testHash, "zz")
	assert.ErrorIs(t, err, ErrInvalidLogIndex)

	_, err = NewEventIdentity(testHash, nil)
	assert.ErrorIs(t, err, ErrInvalidLogIndex)
}

func TestCompareOrdersNumerically(t *testing.T) {
	h := "0x11" + strings.Repeat("0", 62)
	i2 := MustEventIdentity(h, 2)
	i10 := MustEventIdentity(h, 10)
	other := MustEventIdentity("0x22"+strings.Repeat("0", 62), 0)

	ids := []EventIdentity{other, i10, i2}
	SortIdentities(ids)
	assert.Equal(t, []EventIdentity{i2, i10, other}, ids)
	assert.Equal(t, -1, Compare(i2, i10))
	assert.Equal(t, 1, Compare(i10, i2))
}

func TestParseJobIDCanonical(t *testing.T) {
	dec, err := ParseJobID("255")
	require.NoError(t, err)
	hex, err := ParseJobID("0x00000000000000000000000000000000000000000000000000000000000000ff")
	require.NoError(t, err)
	short, err := ParseJobID("0xff")
	require.NoError(t, err)

	assert.Equal(t, dec, hex)
	assert.Equal(t, dec, short)
	assert.Equal(t, "255", dec.String())
	assert.Equal(t, "0xff", dec.Hex())
	assert.Equal(t, NewJobID(255), dec)
}

func TestParseJobIDOverflow(t *testing.T) {
	maxID := "0x" + strings.Repeat("ff", 32)
	id, err := ParseJobID(maxID)
	require.NoError(t, err)
	assert.Equal(t, 1, id.Cmp(NewJobID(1)))

	_, err = ParseJobID("0x01" + maxID[2:])
	assert.ErrorIs(t, err, ErrInvalidJobID)

	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = JobIDFromBig(tooBig)
	assert.ErrorIs(t, err, ErrInvalidJobID)

	_, err = ParseJobID("not-a-number")
	assert.ErrorIs(t, err, ErrInvalidJobID)
}

func TestJobIDAsJSONMapKey(t *testing.T) {
	in := map[JobID]uint64{NewJobID(7): 1000, MustParseJobID("0x10"): 5}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"7":1000,"16":5}`, string(b))

	var out map[JobID]uint64
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestLogRecordIdentity(t *testing.T) {
	rec := LogRecord{TxHash: testHash, LogIndex: big.NewInt(3)}
	id, err := rec.Identity()
	require.NoError(t, err)
	assert.Equal(t, MustEventIdentity(testHash, 3), id)

	_, err = LogRecord{TxHash: testHash}.Identity()
	assert.ErrorIs(t, err, ErrLogNotFinal)
}

func TestProtocolViolationUnwrap(t *testing.T) {
	cause := errors.New("duplicate")
	err := Violation("record_pending", "x#1", cause)

	assert.True(t, IsProtocolViolation(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "record_pending")
	assert.False(t, IsProtocolViolation(cause))
}

func TestParseJobKind(t *testing.T) {
	k, err := ParseJobKind("")
	require.NoError(t, err)
	assert.Equal(t, KindOneShot, k)

	k, err = ParseJobKind("recurring")
	require.NoError(t, err)
	assert.Equal(t, KindRecurring, k)

	_, err = ParseJobKind("weekly")
	assert.Error(t, err)
}
