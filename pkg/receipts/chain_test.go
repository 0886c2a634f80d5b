package receipts

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var phases = []string{"BORN", "GATED", "ATTESTED", "EXECUTING", "SEALED"}

func buildChain(t *testing.T, id string) Chain {
	t.Helper()
	c, err := New(id)
	require.NoError(t, err)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range phases {
		c, err = c.Append(p, "", "detail", base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}
	return c
}

func TestChain_LinksAndVerifies(t *testing.T) {
	c := buildChain(t, "spk_a")
	require.Equal(t, 5, c.Len())

	list := c.Receipts()
	for i := range list {
		prev := GenesisHash
		if i > 0 {
			prev = list[i-1].ChainHash
		}
		want, err := ComputeHash(prev, list[i].Phase, list[i].Timestamp, "spk_a")
		require.NoError(t, err)
		assert.Equal(t, want, list[i].ChainHash, "receipt %d", i)
	}
	assert.Equal(t, list[4].ChainHash, c.Head())
	assert.NoError(t, c.Verify())
}

func TestChain_AppendDoesNotMutateReceiver(t *testing.T) {
	c1 := buildChain(t, "spk_a")
	c2, err := c1.Append("DEAD", "W-005", "boom", time.Now())
	require.NoError(t, err)
	c3, err := c1.Append("SEALED", "", "", time.Now())
	require.NoError(t, err)

	assert.Equal(t, 5, c1.Len())
	assert.Equal(t, "DEAD", c2.Receipts()[5].Phase)
	assert.Equal(t, "SEALED", c3.Receipts()[5].Phase)
}

func TestChain_ReceiptsIsACopy(t *testing.T) {
	c := buildChain(t, "spk_a")
	list := c.Receipts()
	list[0].ChainHash = "tampered"
	assert.NoError(t, c.Verify())
}

func TestChain_SameContentDifferentSpokes(t *testing.T) {
	a := buildChain(t, "spk_a")
	b := buildChain(t, "spk_b")
	assert.NotEqual(t, a.Head(), b.Head())
}

func TestVerify_DetectsStoredHashTamper(t *testing.T) {
	c := buildChain(t, "spk_a")
	c.entries[2].ChainHash = "deadbeef"

	err := c.Verify()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainBroken))

	var mm *MismatchError
	require.True(t, errors.As(err, &mm))
	assert.Equal(t, 2, mm.Index)
	assert.Equal(t, "ATTESTED", mm.Phase)
	assert.Equal(t, "deadbeef", mm.Stored)
}

func TestVerify_DetectsPhaseAndTimestampTamper(t *testing.T) {
	c := buildChain(t, "spk_a")
	c.entries[1].Phase = "EXECUTING"
	var mm *MismatchError
	require.ErrorAs(t, c.Verify(), &mm)
	assert.Equal(t, 1, mm.Index)

	c = buildChain(t, "spk_a")
	c.entries[3].Timestamp = c.entries[3].Timestamp.Add(time.Second)
	require.ErrorAs(t, c.Verify(), &mm)
	assert.Equal(t, 3, mm.Index)
}

func TestVerify_WrongSpokeID(t *testing.T) {
	c := buildChain(t, "spk_a")
	var mm *MismatchError
	require.ErrorAs(t, Verify("spk_other", c.Receipts()), &mm)
	assert.Equal(t, 0, mm.Index)
}

func TestVerify_DetailAndCodeAreNotHashed(t *testing.T) {
	c := buildChain(t, "spk_a")
	c.entries[0].Detail = "rewritten"
	c.entries[0].Code = "W-001"
	assert.NoError(t, c.Verify())
}

func TestNew_RequiresSpokeID(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrEmptySpokeID)

	_, err = Chain{}.Append("BORN", "", "", time.Now())
	assert.ErrorIs(t, err, ErrEmptySpokeID)
}

func TestHead_EmptyChainIsGenesis(t *testing.T) {
	c, err := New("spk_a")
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, c.Head())
	assert.NoError(t, c.Verify())
}

func TestRestore_CopiesAndDefersVerification(t *testing.T) {
	list := buildChain(t, "spk_a").Receipts()
	list[2].ChainHash = "tampered"

	c, err := Restore("spk_a", list)
	require.NoError(t, err)
	list[0].Phase = "mutated"
	assert.Equal(t, "BORN", c.Receipts()[0].Phase)

	var mismatch *MismatchError
	require.ErrorAs(t, c.Verify(), &mismatch)
	assert.Equal(t, 2, mismatch.Index)

	_, err = Restore("", nil)
	assert.ErrorIs(t, err, ErrEmptySpokeID)
}
